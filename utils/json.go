package utils

import (
	"bytes"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/saiset-co/sai-market/types"
)

const maxPooledBuffer = 64 * 1024

var encodeBuffers = sync.Pool{
	New: func() interface{} { return bytes.NewBuffer(make([]byte, 0, 1024)) },
}

func Marshal(data interface{}) ([]byte, error) {
	return sonic.ConfigDefault.Marshal(data)
}

// EncodedLen is the length Marshal would produce. The encoding goes to a
// pooled buffer and is discarded, so sizing a cache value allocates nothing
// that outlives the call.
func EncodedLen(data interface{}) (int, error) {
	buf := encodeBuffers.Get().(*bytes.Buffer)
	defer func() {
		if buf.Cap() <= maxPooledBuffer {
			buf.Reset()
			encodeBuffers.Put(buf)
		}
	}()

	buf.Reset()
	if err := sonic.ConfigDefault.NewEncoder(buf).Encode(data); err != nil {
		return 0, err
	}

	return len(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

func Unmarshal[T any](data []byte, target *T) error {
	return sonic.ConfigDefault.Unmarshal(data, target)
}

// UnmarshalConfig decodes a middleware params map, or a value already of
// type *T, into target.
func UnmarshalConfig[T any](config interface{}, target *T) error {
	if config == nil {
		return types.ErrConfigIsNil
	}

	if typed, ok := config.(*T); ok {
		*target = *typed
		return nil
	}

	configBytes, err := sonic.ConfigDefault.Marshal(config)
	if err != nil {
		return types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	if err := sonic.ConfigDefault.Unmarshal(configBytes, target); err != nil {
		return types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}
	return nil
}
