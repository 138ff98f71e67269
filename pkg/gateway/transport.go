/*
 * Copyright (c) 2025, the asset-manager maintainers.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one bidirectional text-frame channel to a gateway. The
// connector owns the read side; writes are safe from multiple goroutines.
type Transport interface {
	// ReadMessage blocks until the next text frame arrives
	ReadMessage() (string, error)
	// WriteMessage sends one text frame
	WriteMessage(frame string) error
	// Close tears the channel down; a blocked ReadMessage returns an error
	Close() error
}

// WSTransport adapts a gorilla WebSocket connection to Transport
type WSTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewWSTransport wraps an established WebSocket connection
func NewWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *WSTransport {
	return &WSTransport{conn: conn, writeTimeout: writeTimeout}
}

// ReadMessage returns the next text frame. Binary frames violate the
// protocol; control frames are handled by gorilla underneath.
func (t *WSTransport) ReadMessage() (string, error) {
	messageType, data, err := t.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	if messageType != websocket.TextMessage {
		return "", fmt.Errorf("unexpected message type %d", messageType)
	}
	return string(data), nil
}

// WriteMessage sends one text frame under the write deadline
func (t *WSTransport) WriteMessage(frame string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// Close sends a close frame on a best-effort basis and drops the connection
func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
