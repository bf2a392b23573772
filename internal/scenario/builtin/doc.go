// Package builtin registers the scenarios shipped with xblsync.
// Import it for its side effects:
//
//	import _ "github.com/vovakirdan/xblsync/internal/scenario/builtin"
package builtin

import (
	"encoding/json"
	"fmt"
)

func rawJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("builtin: marshal %v: %v", v, err))
	}
	return raw
}

func expect(cond bool, format string, args ...any) error {
	if cond {
		return nil
	}
	return fmt.Errorf(format, args...)
}
