package fractal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/hupe1980/fractal/internal/block"
	"github.com/hupe1980/fractal/internal/cachetable"
	ifs "github.com/hupe1980/fractal/internal/fs"
	"github.com/hupe1980/fractal/internal/ft"
	"github.com/stretchr/testify/assert"
)

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"out of memory", fmt.Errorf("pin: %w", cachetable.ErrOutOfMemory), ErrOutOfMemory},
		{"closed table", cachetable.ErrClosed, ErrClosed},
		{"closed device", block.ErrClosed, ErrClosed},
		{"locked", ifs.ErrLocked, ErrLocked},
		{"corrupt node", &ft.CorruptError{Blocknum: 7, Reason: "bad crc"}, ErrCorrupt},
		{"layout", ft.ErrBadLayoutVersion, ErrCorrupt},
		{"bad header", block.ErrBadHeader, ErrCorrupt},
		{"path error", &fs.PathError{Op: "read", Path: "x", Err: errors.New("eio")}, ErrIO},
		{"injected", ifs.ErrInjected, ErrIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateError(tt.err)
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.err, "the cause stays in the chain")
		})
	}

	assert.NoError(t, translateError(nil))
	assert.Equal(t, context.Canceled, translateError(context.Canceled))
}
