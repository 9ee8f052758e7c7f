package structured

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"draftforge/internal/llm"
)

// jsonOnlyInstruction is appended on the fallback attempt when the provider
// cannot enforce a schema or returned unparseable text.
const jsonOnlyInstruction = "Respond with a single JSON object only. " +
	"No prose, no markdown fences, no commentary before or after the JSON."

// Caller issues schema-constrained model calls and decodes the results.
type Caller struct {
	client llm.Client
	logger *zap.Logger
}

// NewCaller wraps client for structured calls.
func NewCaller(client llm.Client, logger *zap.Logger) *Caller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Caller{client: client, logger: logger}
}

// CallJSON invokes the model with a strict schema contract and decodes the
// response into out. On a schema-incapable provider or a malformed first
// response it retries exactly once with an appended JSON-only instruction.
// Transport failures propagate as-is; decode exhaustion returns *SchemaError.
func (c *Caller) CallJSON(ctx context.Context, req llm.Request, schema *llm.JSONSchema, out any) error {
	strict := req
	strict.ResponseFormat = &llm.ResponseFormat{Type: "json_schema", JSONSchema: schema}

	resp, err := c.client.Invoke(ctx, strict)
	if err != nil {
		if !errors.Is(err, llm.ErrSchemaUnsupported) {
			return err
		}
		c.logger.Debug("schema contract unsupported, falling back to prompt enforcement",
			zap.String("schema", schema.Name))
		return c.retryPlain(ctx, req, schema, out)
	}

	if decodeErr := Decode(resp.Text, out); decodeErr != nil {
		c.logger.Debug("structured response failed to decode, retrying once",
			zap.String("schema", schema.Name), zap.Error(decodeErr))
		return c.retryPlain(ctx, req, schema, out)
	}
	return nil
}

// retryPlain reissues the same messages with the JSON-only instruction
// appended, and gives decoding its final attempt.
func (c *Caller) retryPlain(ctx context.Context, req llm.Request, schema *llm.JSONSchema, out any) error {
	retry := req
	retry.ResponseFormat = nil
	retry.Messages = append(append([]llm.Message{}, req.Messages...),
		llm.TextMessage(llm.RoleSystem, jsonOnlyInstruction))

	resp, err := c.client.Invoke(ctx, retry)
	if err != nil {
		return err
	}
	if decodeErr := Decode(resp.Text, out); decodeErr != nil {
		c.logger.Warn("structured call exhausted decode attempts",
			zap.String("schema", schema.Name), zap.Error(decodeErr))
		return decodeErr
	}
	return nil
}
