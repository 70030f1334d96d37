package claim

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// splitToken decodes a "<base64 payload>.<base64 signature>" attempt token
// into its raw payload and signature bytes.
func splitToken(tok string) (payload, sig []byte, err error) {
	parts := strings.SplitN(tok, ".", 2)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("malformed token: expected payload.signature")
	}
	payload, err = base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("malformed token payload: %w", err)
	}
	sig, err = base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("malformed token signature: %w", err)
	}
	return payload, sig, nil
}
