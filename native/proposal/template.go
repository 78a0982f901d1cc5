package proposal

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// DefaultRevertWindow is the 24 hour intervention window of the reference
// policy, in seconds.
const DefaultRevertWindow = 24 * 60 * 60

// TemplateSpec is the decoded form of a registered template. The factory
// stores templates as opaque bytes; they are only interpreted when an
// instance is created.
type TemplateSpec struct {
	Version          uint64
	RevertWindowSecs uint64
}

// Encode returns the canonical template bytes.
func (t TemplateSpec) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(&t)
}

// DefaultTemplate returns the encoded reference template.
func DefaultTemplate() []byte {
	encoded, err := TemplateSpec{Version: 1, RevertWindowSecs: DefaultRevertWindow}.Encode()
	if err != nil {
		panic(err)
	}
	return encoded
}

// DecodeTemplate interprets raw template bytes. Empty input, undecodable input
// and a zero window all yield ErrMalformedTemplate.
func DecodeTemplate(raw []byte) (*TemplateSpec, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no template registered", ErrMalformedTemplate)
	}
	spec := new(TemplateSpec)
	if err := rlp.DecodeBytes(raw, spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTemplate, err)
	}
	if spec.RevertWindowSecs == 0 {
		return nil, fmt.Errorf("%w: revert window must be positive", ErrMalformedTemplate)
	}
	if spec.RevertWindowSecs > 10*365*DefaultRevertWindow {
		return nil, fmt.Errorf("%w: revert window too large", ErrMalformedTemplate)
	}
	return spec, nil
}
