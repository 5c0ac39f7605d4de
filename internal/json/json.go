// Package json is a drop-in for encoding/json backed by sonic. Importing
// this package instead of encoding/json keeps the fast path in one place.
package json

import "github.com/bytedance/sonic"

var api = sonic.ConfigStd

func Marshal(v any) ([]byte, error) { return api.Marshal(v) }

func Unmarshal(data []byte, v any) error { return api.Unmarshal(data, v) }
