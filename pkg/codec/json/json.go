package json

import (
	"io"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode encodes v to JSON bytes.
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to v.
func Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// ReadFrom decodes a JSON value read from r into v.
func ReadFrom(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

// WriteTo encodes v as JSON into w.
func WriteTo(w io.Writer, v interface{}) error {
	return json.NewEncoder(w).Encode(v)
}
