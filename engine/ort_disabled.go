//go:build !cgo || (!ORT && !ALL)

package engine

import "errors"

// NewORTEngine is unavailable without the onnxruntime build tag.
func NewORTEngine(_ Spec) (Engine, error) {
	return nil, errors.New("engine: onnxruntime support is not enabled")
}
