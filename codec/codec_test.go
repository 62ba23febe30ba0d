package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type header struct {
	Generation uint64 `json:"generation"`
	Codec      string `json:"codec"`
	Payload    []byte `json:"payload"`
}

func TestCodecs_Interoperate(t *testing.T) {
	in := header{Generation: 7, Codec: "go-json", Payload: []byte{0, 1, 2, 255}}

	for _, enc := range []Codec{JSON{}, GoJSON{}} {
		for _, dec := range []Codec{JSON{}, GoJSON{}} {
			t.Run(enc.Name()+"->"+dec.Name(), func(t *testing.T) {
				b, err := enc.Marshal(in)
				require.NoError(t, err)

				var out header
				require.NoError(t, dec.Unmarshal(b, &out))
				assert.Equal(t, in, out)
			})
		}
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"json", "go-json"} {
		c, ok := ByName(name)
		require.True(t, ok)
		assert.Equal(t, name, c.Name())
	}
	_, ok := ByName("msgpack")
	assert.False(t, ok)
}

func TestMustMarshal(t *testing.T) {
	assert.JSONEq(t, `{"generation":1,"codec":"","payload":null}`, string(MustMarshal(nil, header{Generation: 1})))
	assert.Panics(t, func() { MustMarshal(JSON{}, make(chan int)) })
}
