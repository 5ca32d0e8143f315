package bridge

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/morezero/webview-bridge/pkg/wire"
)

// WithSchema wraps h so that payloads failing the JSON schema are rejected with
// an INVALID_ARGUMENT message before h runs.
func WithSchema(schemaJSON []byte, h Handler) (Handler, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("%s - failed to compile schema: %w", logPrefix, err)
	}

	return func(data wire.Value, c Completer) {
		result, err := schema.Validate(gojsonschema.NewGoLoader(data.ToAny()))
		if err != nil {
			_ = c.Reject(fmt.Sprintf("INVALID_ARGUMENT: %v", err))
			return
		}
		if !result.Valid() {
			msgs := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				msgs = append(msgs, e.String())
			}
			_ = c.Reject("INVALID_ARGUMENT: " + strings.Join(msgs, "; "))
			return
		}
		h(data, c)
	}, nil
}
