// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package robin

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(ctx context.Context, conn *Conn, job *Job) error { return nil }

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("email:welcome", noopHandler))
	require.NoError(t, reg.HandleFunc("report:generate", noopHandler))

	h, err := reg.Lookup("email:welcome")
	require.NoError(t, err)
	assert.NotNil(t, h)

	_, err = reg.Lookup("email:goodbye")
	assert.ErrorIs(t, err, ErrUnknownJobType)

	assert.Equal(t, []string{"email:welcome", "report:generate"}, reg.Names())
}

func TestRegistryRejectsInvalidRegistrations(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("job", noopHandler))

	tests := []struct {
		desc    string
		err     error
		wantErr error
	}{
		{"duplicate name", reg.HandleFunc("job", noopHandler), ErrDuplicateJobType},
		{"empty name", reg.HandleFunc("  ", noopHandler), nil},
		{"nil func", reg.HandleFunc("other", nil), nil},
		{"nil handler", reg.Register("other", nil), nil},
	}
	for _, tc := range tests {
		assert.Error(t, tc.err, tc.desc)
		if tc.wantErr != nil {
			assert.ErrorIs(t, tc.err, tc.wantErr, tc.desc)
		}
	}
	assert.Equal(t, []string{"job"}, reg.Names())
}

func TestRegistrySealed(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("job", noopHandler))
	reg.seal()

	err := reg.HandleFunc("late", noopHandler)
	assert.ErrorIs(t, err, ErrRegistrySealed)

	_, err = reg.Lookup("job")
	assert.NoError(t, err)
	_, err = reg.Lookup("late")
	assert.ErrorIs(t, err, ErrUnknownJobType)
}

func TestRegistryConcurrentLookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("job", noopHandler))
	reg.seal()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := reg.Lookup("job"); err != nil {
					t.Errorf("Lookup failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

type fileArgs struct {
	File string `json:"file"`
}

func TestRegisterJobDecodesPayload(t *testing.T) {
	reg := NewRegistry()
	var got fileArgs
	err := RegisterJob(reg, "verify", func(ctx context.Context, conn *Conn, args fileArgs) error {
		got = args
		return nil
	})
	require.NoError(t, err)

	h, err := reg.Lookup("verify")
	require.NoError(t, err)

	err = h.ProcessJob(context.Background(), nil, &Job{Type: "verify", Payload: []byte(`{"file":"/tmp/a"}`)})
	require.NoError(t, err)
	assert.Equal(t, fileArgs{File: "/tmp/a"}, got)

	got = fileArgs{}
	err = h.ProcessJob(context.Background(), nil, &Job{Type: "verify"})
	require.NoError(t, err, "empty payload decodes to the zero value")
	assert.Equal(t, fileArgs{}, got)

	err = h.ProcessJob(context.Background(), nil, &Job{Type: "verify", Payload: []byte("not json")})
	assert.Error(t, err)
}

func TestRegisterJobPropagatesHandlerError(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("boom")
	require.NoError(t, RegisterJob(reg, "fail", func(ctx context.Context, conn *Conn, args struct{}) error {
		return boom
	}))

	h, err := reg.Lookup("fail")
	require.NoError(t, err)
	assert.ErrorIs(t, h.ProcessJob(context.Background(), nil, &Job{Payload: []byte("{}")}), boom)
}
