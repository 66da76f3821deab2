package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agos/internal/ir"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(PurgeResult{Deleted: 3})
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"deleted": float64(3)}, resp.Data)
}

func TestOutputFormatter_TextUsesStringer(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	require.NoError(t, formatter.Success(PurgeResult{Deleted: 3}))
	assert.Equal(t, "[done] deleted=3\n", buf.String())
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error(&ir.StorageError{Op: "open", Err: errors.New("database is locked")})
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeStorage, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "database is locked")
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Error(ir.NewValidationError("key", "empty"))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [E001]")
	assert.Contains(t, buf.String(), "key")
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation", ir.NewValidationError("f", "bad"), CodeValidation},
		{"storage", &ir.StorageError{Op: "get", Err: errors.New("io")}, CodeStorage},
		{"delivery", &ir.DeliveryError{Reason: ir.ReasonDeliveryFailed}, CodeDelivery},
		{"conflict", &ir.ConflictError{Key: "alert:x"}, CodeConflict},
		{"integrity", &ir.IntegrityError{Path: "/a", Expected: "x", Actual: "y"}, CodeIntegrity},
		{"wrapped", fmt.Errorf("outer: %w", ir.NewValidationError("f", "bad")), CodeValidation},
		{"other", errors.New("boom"), CodeFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorCode(tt.err))
		})
	}
}

func TestExitFor(t *testing.T) {
	assert.Nil(t, exitFor("x", nil))
	assert.Equal(t, ExitCommandError, GetExitCode(exitFor("x", ir.NewValidationError("f", "bad"))))
	assert.Equal(t, ExitCommandError, GetExitCode(exitFor("x", &ir.StorageError{Op: "get", Err: errors.New("io")})))
	assert.Equal(t, ExitFailure, GetExitCode(exitFor("x", &ir.DeliveryError{Reason: ir.ReasonDeliveryFatal})))

	// An ExitError keeps its own code.
	inner := NewExitError(ExitCommandError, "bad flag")
	assert.Same(t, inner, exitFor("x", inner))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", NewExitError(ExitCommandError, "x"))))
}

func TestExitError_Message(t *testing.T) {
	assert.Equal(t, "no db", NewExitError(ExitCommandError, "no db").Error())
	assert.Equal(t, "open: locked", WrapExitError(ExitCommandError, "open", errors.New("locked")).Error())
}
