package meta

import (
	"github.com/fxamacker/cbor/v2"
)

// Catalog and registry records are CBOR with core deterministic encoding,
// so equal records always produce equal bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("meta: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("meta: CBOR decoder initialization failed: " + err.Error())
	}
}

func encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func decode(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
