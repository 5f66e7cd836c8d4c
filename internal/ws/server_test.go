package ws

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JayBon24/CRM-backend-sub001/internal/domain"
	"github.com/JayBon24/CRM-backend-sub001/internal/protocol"
	"github.com/JayBon24/CRM-backend-sub001/internal/store"
)

func TestStoreAuthenticatorRejectsWithCode(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.CreateUser(context.Background(), &domain.User{
		UserID: "u1", Name: "staff one", Role: domain.UserRoleStaff, CreatedAt: time.Now(),
	}))

	auth := &StoreAuthenticator{Store: st}

	user, err := auth.Authenticate(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.UserID)

	for _, token := range []string{"", "u_unknown"} {
		_, err := auth.Authenticate(context.Background(), token)
		var httpErr *echo.HTTPError
		require.ErrorAs(t, err, &httpErr, "token %q must be rejected", token)
		assert.Equal(t, http.StatusUnauthorized, httpErr.Code)

		payload, ok := httpErr.Message.(map[string]string)
		require.True(t, ok)
		assert.Equal(t, protocol.ErrorCodeUnauthorized, payload["code"])
	}
}
