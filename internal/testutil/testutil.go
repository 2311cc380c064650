// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package testutil defines test helpers shared by robin packages.
package testutil

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/admwrd/robin/internal/base"
)

// NewRedis starts an in-process redis server for the duration of the test
// and returns it with a client connected to it.
func NewRedis(tb testing.TB) (*miniredis.Miniredis, *redis.Client) {
	tb.Helper()
	s := miniredis.RunT(tb)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	tb.Cleanup(func() { client.Close() })
	return s, client
}

// Namespace returns a namespace unique to one test run.
func Namespace() string {
	return "robin_test_" + uuid.NewString()
}

// NewMessage returns a fresh job message of the given type.
func NewMessage(typename string, payload []byte) *base.JobMessage {
	return &base.JobMessage{
		ID:      uuid.NewString(),
		Type:    typename,
		Payload: payload,
	}
}

// Keys returns every key stored in the given namespace.
func Keys(tb testing.TB, c redis.UniversalClient, ns string) []string {
	tb.Helper()
	keys, err := c.Keys(context.Background(), base.NamespacePattern(ns)).Result()
	if err != nil {
		tb.Fatalf("could not list keys of namespace %q: %v", ns, err)
	}
	return keys
}

// PendingIDs returns the ids in the pending list, oldest first.
func PendingIDs(tb testing.TB, c redis.UniversalClient, ns string) []string {
	tb.Helper()
	return reversed(lrange(tb, c, base.PendingKey(ns)))
}

// ActiveIDs returns the ids in the active list.
func ActiveIDs(tb testing.TB, c redis.UniversalClient, ns string) []string {
	tb.Helper()
	return lrange(tb, c, base.ActiveKey(ns))
}

// ZSetIDs returns the members of the sorted set at key, lowest score first.
func ZSetIDs(tb testing.TB, c redis.UniversalClient, key string) []string {
	tb.Helper()
	ids, err := c.ZRange(context.Background(), key, 0, -1).Result()
	if err != nil {
		tb.Fatalf("could not read sorted set %q: %v", key, err)
	}
	return ids
}

// StoredMessage returns the envelope stored for the given job id.
func StoredMessage(tb testing.TB, c redis.UniversalClient, ns, id string) *base.JobMessage {
	tb.Helper()
	data, err := c.HGet(context.Background(), base.JobKey(ns, id), "msg").Result()
	if err != nil {
		tb.Fatalf("could not read job %q: %v", id, err)
	}
	msg, err := base.DecodeMessage([]byte(data))
	if err != nil {
		tb.Fatalf("could not decode job %q: %v", id, err)
	}
	return msg
}

func lrange(tb testing.TB, c redis.UniversalClient, key string) []string {
	ids, err := c.LRange(context.Background(), key, 0, -1).Result()
	if err != nil {
		tb.Fatalf("could not read list %q: %v", key, err)
	}
	return ids
}

func reversed(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}
