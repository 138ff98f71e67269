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

package correlator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetmesh/asset-manager/pkg/models"
)

func TestSend_ResolvedByResponse(t *testing.T) {
	c := New()

	sent := make(chan *models.Envelope, 1)
	write := func(env *models.Envelope) error {
		sent <- env
		return nil
	}

	go func() {
		env := <-sent
		// Simulate the peer answering with the same message id
		c.Resolve(&models.Envelope{
			MessageID: env.MessageID,
			Event:     &models.AssetsEvent{Assets: []*models.Asset{{ID: "asset-1"}}},
		})
	}()

	resp, err := c.Send(context.Background(), write, &models.ReadAssetsEvent{}, time.Second)
	require.NoError(t, err)

	assets, ok := resp.(*models.AssetsEvent)
	require.True(t, ok)
	require.Len(t, assets.Assets, 1)
	assert.Equal(t, "asset-1", assets.Assets[0].ID)
	assert.Equal(t, 0, c.PendingCount())
}

func TestSend_Timeout(t *testing.T) {
	c := New()

	write := func(*models.Envelope) error { return nil }
	_, err := c.Send(context.Background(), write, &models.ReadAssetsEvent{}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, c.PendingCount())
}

func TestSend_WriteFailure(t *testing.T) {
	c := New()

	writeErr := errors.New("boom")
	write := func(*models.Envelope) error { return writeErr }

	_, err := c.Send(context.Background(), write, &models.ReadAssetsEvent{}, time.Second)
	assert.ErrorIs(t, err, writeErr)
	assert.Equal(t, 0, c.PendingCount())
}

func TestSend_ContextCancelled(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())

	write := func(*models.Envelope) error {
		cancel()
		return nil
	}

	_, err := c.Send(ctx, write, &models.ReadAssetsEvent{}, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.PendingCount())
}

func TestResolve_Unmatched(t *testing.T) {
	c := New()

	matched := c.Resolve(&models.Envelope{MessageID: "nobody-waiting", Event: &models.AssetsEvent{}})
	assert.False(t, matched, "an unmatched envelope is an inbound request, not a response")
}

func TestFailAll(t *testing.T) {
	c := New()

	write := func(*models.Envelope) error { return nil }
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Send(context.Background(), write, &models.ReadAssetsEvent{}, time.Minute)
			results <- err
		}()
	}

	// Wait for both requests to register before failing them
	require.Eventually(t, func() bool { return c.PendingCount() == 2 },
		time.Second, 5*time.Millisecond)

	c.FailAll(ErrDisconnected)
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-results, ErrDisconnected)
	}
	assert.Equal(t, 0, c.PendingCount())
}

func TestReservedMessageIDs(t *testing.T) {
	assert.True(t, IsReservedMessageID(ReadAssetsMessageID))
	assert.True(t, IsReservedMessageID(BatchMessageID(0)))
	assert.True(t, IsReservedMessageID(BatchMessageID(40)))
	assert.False(t, IsReservedMessageID("8f14e45f-ceea-467f-9cf0-9d6b8e9f1a2b"))

	assert.Equal(t, "GATEWAY-ASSET-READ-20", BatchMessageID(20))
}
