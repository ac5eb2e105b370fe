package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarkoPoloResearchLab/chatledger/internal/authcookie"
	"github.com/MarkoPoloResearchLab/chatledger/internal/oauthstate"
	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	contextKeyUser   = "auth_user"
	contextKeyClaims = "auth_claims"

	bearerScheme = "bearer"
)

var (
	errMissingCredentials = errors.New("missing credentials")
	errUnsupportedScheme  = errors.New("unsupported authorization scheme")
)

// HandlerConfig wires the authentication routes.
type HandlerConfig struct {
	Gateway   *Gateway
	Cookies   *authcookie.Codec
	States    *oauthstate.Store
	Redirects oauthstate.RedirectPolicy
	// RootPath prefixes the frontend login routes used in redirects.
	RootPath string
	// PublicURL is the externally visible base URL used for OAuth callbacks.
	// When empty it is derived from the request.
	PublicURL string
	Logger    *zap.Logger
}

// Handler serves login, logout and OAuth routes and guards protected routes.
type Handler struct {
	gateway   *Gateway
	cookies   *authcookie.Codec
	states    *oauthstate.Store
	redirects oauthstate.RedirectPolicy
	rootPath  string
	publicURL string
	logger    *zap.Logger
}

// NewHandler validates config.
func NewHandler(config HandlerConfig) (*Handler, error) {
	if config.Gateway == nil || config.Cookies == nil || config.States == nil {
		return nil, fmt.Errorf("%w: gateway, cookies and states are required", ErrInvalidGatewayConfig)
	}
	handler := &Handler{
		gateway:   config.Gateway,
		cookies:   config.Cookies,
		states:    config.States,
		redirects: config.Redirects,
		rootPath:  normalizeRootPath(config.RootPath),
		publicURL: strings.TrimRight(strings.TrimSpace(config.PublicURL), "/"),
		logger:    config.Logger,
	}
	if handler.logger == nil {
		handler.logger = zap.NewNop()
	}
	handler.logger = handler.logger.Named("auth")
	return handler, nil
}

// Register mounts the authentication routes.
func (handler *Handler) Register(router gin.IRoutes) {
	router.POST("/login", handler.handlePasswordLogin)
	router.POST("/logout", handler.handleLogout)
	router.POST("/auth/jwt", handler.handleTokenLogin)
	router.POST("/auth/header", handler.handleHeaderLogin)
	router.GET("/auth/oauth/:provider", handler.handleOAuthStart)
	router.GET("/auth/oauth/:provider/callback", handler.handleOAuthCallback)
	router.GET("/user", handler.Middleware(), handler.handleUser)
}

// Middleware resolves the session from the auth cookies, falling back to an
// Authorization bearer token, and aborts with 401 otherwise.
func (handler *Handler) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token, err := handler.sessionToken(ctx.Request)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", err.Error()))
			return
		}
		claims, err := handler.gateway.sessions.Parse(token)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
			return
		}
		userID, err := ledger.NewUserID(claims.Subject)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
			return
		}
		ctx.Set(contextKeyUser, userID)
		ctx.Set(contextKeyClaims, claims)
		ctx.Next()
	}
}

// CurrentUser returns the user resolved by Middleware.
func CurrentUser(ctx *gin.Context) (ledger.UserID, bool) {
	value, ok := ctx.Get(contextKeyUser)
	if !ok {
		return ledger.UserID{}, false
	}
	userID, ok := value.(ledger.UserID)
	return userID, ok
}

// SetCurrentUser marks ctx as authenticated as userID.
func SetCurrentUser(ctx *gin.Context, userID ledger.UserID) {
	ctx.Set(contextKeyUser, userID)
}

func currentClaims(ctx *gin.Context) *SessionClaims {
	value, ok := ctx.Get(contextKeyClaims)
	if !ok {
		return nil
	}
	claims, _ := value.(*SessionClaims)
	return claims
}

func (handler *Handler) sessionToken(request *http.Request) (string, error) {
	if token, ok := handler.cookies.Read(request); ok {
		return token, nil
	}
	return bearerToken(request.Header.Get("Authorization"))
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errMissingCredentials
	}
	fields := strings.Fields(header)
	if len(fields) != 2 || !strings.EqualFold(fields[0], bearerScheme) {
		return "", errUnsupportedScheme
	}
	return fields[1], nil
}

func (handler *Handler) handlePasswordLogin(ctx *gin.Context) {
	username := ctx.PostForm("username")
	password := ctx.PostForm("password")
	if strings.TrimSpace(username) == "" || password == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "username and password are required"))
		return
	}
	session, err := handler.gateway.Authenticate(ctx.Request.Context(), PasswordProof{Username: username, Password: password})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.cookies.Write(ctx.Writer, ctx.Request, session.Token)
	ctx.JSON(http.StatusOK, gin.H{"success": true})
}

func (handler *Handler) handleLogout(ctx *gin.Context) {
	handler.cookies.Clear(ctx.Writer, ctx.Request)
	ctx.JSON(http.StatusOK, gin.H{"success": true})
}

func (handler *Handler) handleTokenLogin(ctx *gin.Context) {
	token, err := bearerToken(ctx.GetHeader("Authorization"))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", err.Error()))
		return
	}
	session, err := handler.gateway.Authenticate(ctx.Request.Context(), TokenProof{Token: token})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.cookies.Write(ctx.Writer, ctx.Request, session.Token)
	ctx.JSON(http.StatusOK, gin.H{"success": true})
}

func (handler *Handler) handleHeaderLogin(ctx *gin.Context) {
	session, err := handler.gateway.Authenticate(ctx.Request.Context(), HeaderProof{Header: ctx.Request.Header})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.cookies.Write(ctx.Writer, ctx.Request, session.Token)
	ctx.JSON(http.StatusOK, gin.H{"success": true})
}

func (handler *Handler) handleOAuthStart(ctx *gin.Context) {
	providerID := ctx.Param("provider")
	provider, ok := handler.gateway.Provider(providerID)
	if !ok {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_provider", fmt.Sprintf("provider %s not found", providerID)))
		return
	}
	var target *oauthstate.RedirectTarget
	referer := ctx.Query("referer")
	if referer == "" {
		referer = ctx.GetHeader("Referer")
	}
	if referer != "" {
		validated, err := handler.redirects.Validate(referer)
		if err != nil {
			handler.logger.Info("redirect target rejected", zap.String("referer", referer), zap.Error(err))
		} else {
			target = &validated
		}
	}
	nonce, err := handler.states.Begin(ctx.Writer, target)
	if err != nil {
		handler.logger.Error("oauth state not created", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("state_unavailable", "could not start login"))
		return
	}
	ctx.Redirect(http.StatusFound, provider.AuthCodeURL(nonce, handler.redirectURI(ctx.Request, providerID)))
}

// handleOAuthCallback clears the state cookies before any response is
// written so every exit path consumes the nonce.
func (handler *Handler) handleOAuthCallback(ctx *gin.Context) {
	providerID := ctx.Param("provider")
	target, hasTarget := handler.states.RedirectTarget(ctx.Request, handler.redirects)
	stateErr := handler.states.Validate(ctx.Request, ctx.Query("state"))
	handler.states.Clear(ctx.Writer, ctx.Request)

	if _, ok := handler.gateway.Provider(providerID); !ok {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_provider", fmt.Sprintf("provider %s not found", providerID)))
		return
	}
	if providerError := ctx.Query("error"); providerError != "" {
		ctx.Redirect(http.StatusFound, handler.rootPath+"/login?"+url.Values{"error": {providerError}}.Encode())
		return
	}
	code := ctx.Query("code")
	if code == "" || ctx.Query("state") == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_callback", "missing code or state"))
		return
	}
	if stateErr != nil {
		handler.logger.Warn("oauth state rejected", zap.String("provider", providerID), zap.Error(stateErr))
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "Unauthorized"))
		return
	}

	session, err := handler.gateway.Authenticate(ctx.Request.Context(), OAuthProof{
		ProviderID:  providerID,
		Code:        code,
		RedirectURI: handler.redirectURI(ctx.Request, providerID),
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.cookies.Write(ctx.Writer, ctx.Request, session.Token)
	var redirectTarget *oauthstate.RedirectTarget
	if hasTarget {
		redirectTarget = &target
	}
	ctx.Redirect(http.StatusFound, handler.loginCallbackURL(redirectTarget))
}

func (handler *Handler) handleUser(ctx *gin.Context) {
	userID, ok := CurrentUser(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	payload := gin.H{"identifier": userID.String()}
	if claims := currentClaims(ctx); claims != nil {
		payload["provider"] = claims.Provider
		payload["metadata"] = claims.Metadata
	}
	if handler.gateway.users != nil {
		user, err := handler.gateway.users.GetUser(ctx.Request.Context(), userID)
		switch {
		case err == nil:
			payload["balance"] = user.Balance.String()
			payload["metadata"] = json.RawMessage(user.Metadata.String())
		case !errors.Is(err, ledger.ErrUnknownUser):
			handler.logger.Error("user lookup failed", zap.String("user_id", userID.String()), zap.Error(err))
		}
	}
	ctx.JSON(http.StatusOK, payload)
}

func (handler *Handler) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrProofUnsupported):
		ctx.JSON(http.StatusBadRequest, errorResponse("unsupported", "authentication method is not configured"))
	case errors.Is(err, ErrUnknownProvider):
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_provider", "provider not found"))
	case errors.Is(err, ErrUnauthorized):
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "credentials rejected"))
	default:
		handler.logger.Error("authentication failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("auth_error", "authentication failed"))
	}
}

// loginCallbackURL points the browser at the frontend callback, carrying the
// preserved referer path and its allowed query parameters.
func (handler *Handler) loginCallbackURL(target *oauthstate.RedirectTarget) string {
	params := url.Values{}
	if target != nil {
		for key, values := range target.Query {
			params[key] = append([]string(nil), values...)
		}
		params.Set("referer", target.Path)
	}
	params.Set("success", "true")
	return handler.rootPath + "/login/callback?" + params.Encode()
}

func (handler *Handler) redirectURI(request *http.Request, providerID string) string {
	base := handler.publicURL
	if base == "" {
		scheme := "http"
		if request.TLS != nil {
			scheme = "https"
		}
		if forwarded := request.Header.Get("X-Forwarded-Proto"); forwarded != "" {
			scheme = forwarded
		}
		base = scheme + "://" + request.Host
	}
	return base + "/auth/oauth/" + url.PathEscape(providerID) + "/callback"
}

func normalizeRootPath(rootPath string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(rootPath), "/")
	if trimmed != "" && !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	return trimmed
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
