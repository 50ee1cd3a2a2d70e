package encoding

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Gtrid     string                 `msgpack:"g"`
	Sequences []uint64               `msgpack:"s"`
	Props     map[string]interface{} `msgpack:"p"`
	Body      []byte                 `msgpack:"b"`
}

func TestRoundTrip_Struct(t *testing.T) {
	in := record{
		Gtrid:     "A_B_7",
		Sequences: []uint64{1, 2, 3},
		Props:     map[string]interface{}{"k": "v"},
		Body:      []byte("payload"),
	}
	data, err := Marshal(in)
	require.NoError(t, err)

	var out record
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestUnmarshal_LooseInterfaceStrings(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"name": "alice"})
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, Unmarshal(data, &out))
	_, isString := out["name"].(string)
	assert.True(t, isString, "expected string, got %T", out["name"])
}

func TestMarshal_OmitsEmpty(t *testing.T) {
	full, err := Marshal(record{Gtrid: "A_B_1", Body: []byte("x")})
	require.NoError(t, err)
	sparse, err := Marshal(record{Gtrid: "A_B_1"})
	require.NoError(t, err)
	assert.Less(t, len(sparse), len(full))
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				data, err := Marshal(record{Gtrid: "A_B_1", Sequences: []uint64{uint64(id), uint64(j)}})
				if err != nil {
					t.Errorf("Marshal failed: %v", err)
					return
				}
				var out record
				if err := Unmarshal(data, &out); err != nil {
					t.Errorf("Unmarshal failed: %v", err)
					return
				}
				if out.Sequences[0] != uint64(id) || out.Sequences[1] != uint64(j) {
					t.Errorf("mismatch: %v", out.Sequences)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}
