package worker

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	taskerrors "github.com/taskmesh/taskmesh/pkg/errors"
)

// Builtin methods interpret each argument as a JSON value. They are
// registered at worker startup and never owned by a plugin.

func decodeJSONArgs(args [][]byte) ([]interface{}, error) {
	values := make([]interface{}, len(args))
	for i, a := range args {
		if err := json.Unmarshal(a, &values[i]); err != nil {
			return nil, taskerrors.Newf(taskerrors.KindExecutionFailed, "argument %d is not valid JSON", i)
		}
	}
	return values, nil
}

func encodeJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.KindExecutionFailed, "encode result", err)
	}
	return data, nil
}

func builtinEcho(args [][]byte) ([]byte, error) {
	if len(args) == 0 {
		return encodeJSON(nil)
	}
	return append([]byte(nil), args[0]...), nil
}

func builtinAdd(args [][]byte) ([]byte, error) {
	values, err := decodeJSONArgs(args)
	if err != nil {
		return nil, err
	}
	sum := 0.0
	for i, v := range values {
		n, ok := v.(float64)
		if !ok {
			return nil, taskerrors.Newf(taskerrors.KindExecutionFailed, "argument %d is not a number", i)
		}
		sum += n
	}
	return encodeJSON(sum)
}

func builtinMultiply(args [][]byte) ([]byte, error) {
	values, err := decodeJSONArgs(args)
	if err != nil {
		return nil, err
	}
	product := 1.0
	for i, v := range values {
		n, ok := v.(float64)
		if !ok {
			return nil, taskerrors.Newf(taskerrors.KindExecutionFailed, "argument %d is not a number", i)
		}
		product *= n
	}
	return encodeJSON(product)
}

func builtinConcat(args [][]byte) ([]byte, error) {
	values, err := decodeJSONArgs(args)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, taskerrors.Newf(taskerrors.KindExecutionFailed, "argument %d is not a string", i)
		}
		sb.WriteString(s)
	}
	return encodeJSON(sb.String())
}

func builtinUppercase(args [][]byte) ([]byte, error) {
	values, err := decodeJSONArgs(args)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, taskerrors.New(taskerrors.KindExecutionFailed, "uppercase requires one argument")
	}
	s, ok := values[0].(string)
	if !ok {
		return nil, taskerrors.New(taskerrors.KindExecutionFailed, "argument 0 is not a string")
	}
	return encodeJSON(strings.ToUpper(s))
}

// builtinSleep sleeps for the given number of seconds, honoring the
// invocation deadline and cooperative cancellation.
func builtinSleep(ctx context.Context, args [][]byte) ([]byte, error) {
	values, err := decodeJSONArgs(args)
	if err != nil {
		return nil, err
	}
	seconds := 1.0
	if len(values) > 0 {
		if n, ok := values[0].(float64); ok {
			seconds = n
		}
	}

	deadline := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-deadline.C:
			return encodeJSON(seconds)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-poll.C:
			if token, ok := TokenFromContext(ctx); ok && token.IsCancelled() {
				return nil, taskerrors.Newf(taskerrors.KindCancelled, "cancelled: %s", token.Reason())
			}
		}
	}
}

// RegisterBuiltins installs the stock methods on a registry
func RegisterBuiltins(registry *Registry) {
	registry.RegisterSync("echo", builtinEcho, "")
	registry.RegisterSync("add", builtinAdd, "")
	registry.RegisterSync("multiply", builtinMultiply, "")
	registry.RegisterSync("concat", builtinConcat, "")
	registry.RegisterSync("uppercase", builtinUppercase, "")
	registry.RegisterAsync("sleep", builtinSleep, "")
}
