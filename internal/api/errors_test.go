package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/npezzotti/story-pointer/internal/database"
	"github.com/npezzotti/story-pointer/internal/poker"
	"github.com/stretchr/testify/assert"
)

func Test_apiErrorFor(t *testing.T) {
	tcases := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{name: "room not found", err: poker.ErrRoomNotFound, expectedStatus: http.StatusNotFound},
		{name: "missing document", err: &database.NotFoundError{Path: "rooms/r1"}, expectedStatus: http.StatusNotFound},
		{name: "invalid option", err: fmt.Errorf("%w: %q", poker.ErrInvalidOption, "4"), expectedStatus: http.StatusBadRequest},
		{name: "no room", err: poker.ErrNoRoom, expectedStatus: http.StatusBadRequest},
		{name: "not signed in", err: poker.ErrNotSignedIn, expectedStatus: http.StatusUnauthorized},
		{name: "request cancelled", err: fmt.Errorf("create user: %w", context.Canceled), expectedStatus: http.StatusServiceUnavailable},
		{name: "anything else", err: errors.New("db error"), expectedStatus: http.StatusInternalServerError},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			apiErr := apiErrorFor(tc.err)
			assert.Equal(t, tc.expectedStatus, apiErr.StatusCode, "expected status code %d", tc.expectedStatus)
			assert.Equal(t, strings.ToLower(http.StatusText(tc.expectedStatus)), apiErr.Message, "expected lowercase status text")
			assert.ErrorIs(t, apiErr, tc.err, "expected the cause to be kept")
		})
	}
}

func TestApiError_Error(t *testing.T) {
	assert.Equal(t, "not found", NewNotFoundError().Error(), "expected lowercase status text")
	assert.Equal(t, "internal server error: boom", NewInternalServerError(errors.New("boom")).Error(), "expected the cause appended")
}
