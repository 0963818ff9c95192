package errors

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type mockCloser struct {
	closeErr error
	closed   bool
}

func (m *mockCloser) Close() error {
	m.closed = true
	return m.closeErr
}

func TestDeferClose(t *testing.T) {
	tests := []struct {
		name       string
		closer     io.Closer
		wantLogged bool
	}{
		{name: "nil closer", closer: nil, wantLogged: false},
		{name: "successful close", closer: &mockCloser{}, wantLogged: false},
		{name: "close with error", closer: &mockCloser{closeErr: stderrors.New("close failed")}, wantLogged: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)

			DeferClose(logger, tt.closer, "test close")

			if tt.closer != nil {
				mc := tt.closer.(*mockCloser)
				if !mc.closed {
					t.Error("Close() was not called")
				}
			}

			logged := buf.Len() > 0
			if logged != tt.wantLogged {
				t.Errorf("logged = %v, want %v", logged, tt.wantLogged)
			}
		})
	}
}

func TestError_IsKind(t *testing.T) {
	base := New(TargetUnreadable, "read", 0x1000, "", stderrors.New("EFAULT"))
	wrapped := fmt.Errorf("materialize heap: %w", base)

	assert.True(t, stderrors.Is(wrapped, TargetUnreadable))
	assert.False(t, stderrors.Is(wrapped, IndexOutOfRange))
	assert.True(t, stderrors.Is(wrapped, &Error{Kind: TargetUnreadable}))
	assert.Equal(t, TargetUnreadable, KindOf(wrapped))
}

func TestError_Message(t *testing.T) {
	err := New(VersionMismatch, "field offset", 0x7f00, "gc_heap.generation_table", nil)
	assert.Equal(t, "field offset: version mismatch at 0x7f00 (gc_heap.generation_table)", err.Error())

	err = Newf(IndexOutOfRange, "element address", 0, "index %d >= bound %d", 3, 3)
	assert.Equal(t, "element address: index out of range: index 3 >= bound 3", err.Error())
}

func TestKindOf_Plain(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(stderrors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, StaleView, KindOf(fmt.Errorf("x: %w", StaleView)))
}
