package devapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const accountIDContextKey = "gravity_account_id"

var (
	errMissingAccounts      = errors.New("account service dependency required")
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errMissingNotesService  = errors.New("notes service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Hooks let tests observe or stall request handling.
type Hooks struct {
	// BeforeRefresh runs before a refresh token is exchanged and may block.
	BeforeRefresh func()
}

type Dependencies struct {
	Accounts *AccountService
	Tokens   *TokenIssuer
	Notes    *NoteService
	Logger   *zap.Logger
	Hooks    Hooks
}

// NewHTTPHandler builds the gin router serving the auth and notes endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Notes == nil {
		return nil, errMissingNotesService
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		accounts: deps.Accounts,
		tokens:   deps.Tokens,
		notes:    deps.Notes,
		logger:   logger,
		hooks:    deps.Hooks,
	}

	router.POST("/auth/login", handler.handleLogin)
	router.POST("/auth/signup", handler.handleSignup)
	router.POST("/auth/refresh", handler.handleRefresh)
	router.POST("/auth/logout", handler.handleLogout)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/auth/me", handler.handleMe)
	protected.GET("/notes", handler.handleListNotes)
	protected.POST("/notes", handler.handleCreateNote)
	protected.GET("/notes/:id", handler.handleGetNote)
	protected.PUT("/notes/:id", handler.handleUpdateNote)
	protected.DELETE("/notes/:id", handler.handleDeleteNote)
	protected.POST("/notes/:id/restore", handler.handleRestoreNote)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "If-Match", "X-Request-ID"},
		ExposeHeaders:    []string{"ETag"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	accounts *AccountService
	tokens   *TokenIssuer
	notes    *NoteService
	logger   *zap.Logger
	hooks    Hooks
}

type loginRequestPayload struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type signupRequestPayload struct {
	Username string `json:"username" binding:"required,min=3,max=50"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
}

type refreshRequestPayload struct {
	RefreshToken string `json:"refreshToken"`
}

type authResponsePayload struct {
	UserID       int64  `json:"userId"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
}

type userPayload struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type notePayload struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Tags      []string   `json:"tags"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

type notesPagePayload struct {
	Notes         []notePayload `json:"notes"`
	Page          int           `json:"page"`
	Size          int           `json:"size"`
	TotalElements int64         `json:"totalElements"`
	TotalPages    int           `json:"totalPages"`
	Last          bool          `json:"last"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Email and password are required")
		return
	}
	account, err := h.accounts.Authenticate(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.respondAuth(c, http.StatusOK, account, "")
}

func (h *httpHandler) handleSignup(c *gin.Context) {
	var request signupRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Username, email and a password of at least 6 characters are required")
		return
	}
	account, err := h.accounts.Signup(c.Request.Context(), request.Username, request.Email, request.Password)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.respondAuth(c, http.StatusCreated, account, "")
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	var request refreshRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.RefreshToken) == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "Refresh token is required")
		return
	}
	if h.hooks.BeforeRefresh != nil {
		h.hooks.BeforeRefresh()
	}
	account, refreshToken, err := h.accounts.RotateRefreshToken(c.Request.Context(), request.RefreshToken)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.respondAuth(c, http.StatusOK, account, refreshToken)
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	var request refreshRequestPayload
	_ = c.ShouldBindJSON(&request)
	if err := h.accounts.RevokeRefreshToken(c.Request.Context(), request.RefreshToken); err != nil {
		h.logger.Warn("failed to revoke refresh token", zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleMe(c *gin.Context) {
	account, err := h.accounts.Lookup(c.Request.Context(), c.GetInt64(accountIDContextKey))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, userPayload{UserID: account.ID, Username: account.Username, Email: account.Email})
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	query := NoteQuery{
		Search: c.Query("search"),
		Tag:    c.Query("tag"),
		SortBy: c.DefaultQuery("sortBy", "updatedAt"),
	}
	var err error
	if query.Page, err = intQuery(c, "page", 0); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_page", "page must be a non-negative integer")
		return
	}
	if query.Size, err = intQuery(c, "size", defaultSize); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_size", "size must be a non-negative integer")
		return
	}
	if _, ok := sortColumns[query.SortBy]; !ok {
		respondError(c, http.StatusBadRequest, "invalid_sort", "sortBy must be one of createdAt, updatedAt, title")
		return
	}

	page, err := h.notes.List(c.Request.Context(), c.GetInt64(accountIDContextKey), query)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	response := notesPagePayload{
		Notes:         make([]notePayload, 0, len(page.Notes)),
		Page:          page.Page,
		Size:          page.Size,
		TotalElements: page.TotalElements,
		TotalPages:    page.TotalPages,
		Last:          page.Last,
	}
	for _, record := range page.Notes {
		response.Notes = append(response.Notes, toNotePayload(record))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}
	record, err := h.notes.Get(c.Request.Context(), c.GetInt64(accountIDContextKey), noteID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.respondNote(c, http.StatusOK, record)
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	var input NoteInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_note", "Title (at least 3 characters) and content are required")
		return
	}
	record, err := h.notes.Create(c.Request.Context(), c.GetInt64(accountIDContextKey), input)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.respondNote(c, http.StatusCreated, record)
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}
	expected, hasPrecondition, err := parseIfMatch(c.GetHeader("If-Match"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_precondition", err.Error())
		return
	}
	var input NoteInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_note", "Title (at least 3 characters) and content are required")
		return
	}
	record, err := h.notes.Update(c.Request.Context(), c.GetInt64(accountIDContextKey), noteID, input, expected, hasPrecondition)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.respondNote(c, http.StatusOK, record)
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}
	if err := h.notes.Delete(c.Request.Context(), c.GetInt64(accountIDContextKey), noteID); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRestoreNote(c *gin.Context) {
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}
	record, err := h.notes.Restore(c.Request.Context(), c.GetInt64(accountIDContextKey), noteID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.respondNote(c, http.StatusOK, record)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": errInvalidAuthorization.Error()})
		return
	}
	accountID, err := h.tokens.Validate(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Token expired or invalid"})
		return
	}
	c.Set(accountIDContextKey, accountID)
	c.Next()
}

// respondAuth issues an access token and, when refreshToken is empty, starts a new refresh family.
func (h *httpHandler) respondAuth(c *gin.Context, status int, account Account, refreshToken string) {
	accessToken, _, err := h.tokens.Issue(account.ID)
	if err != nil {
		h.logger.Error("failed to issue access token", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "token_issue_failed", "Failed to issue token")
		return
	}
	if refreshToken == "" {
		refreshToken, err = h.accounts.IssueRefreshToken(c.Request.Context(), account.ID)
		if err != nil {
			h.respondServiceError(c, err)
			return
		}
	}
	c.JSON(status, authResponsePayload{
		UserID:       account.ID,
		Username:     account.Username,
		Email:        account.Email,
		Token:        accessToken,
		RefreshToken: refreshToken,
	})
}

func (h *httpHandler) respondNote(c *gin.Context, status int, record NoteRecord) {
	c.Header("ETag", strconv.Quote(strconv.FormatInt(record.Version, 10)))
	c.JSON(status, toNotePayload(record))
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	status, message := statusForError(err)
	code := "internal_error"
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	respondError(c, status, code, message)
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, errInvalidCredentials):
		return http.StatusUnauthorized, "Invalid email or password"
	case errors.Is(err, errInvalidRefresh), errors.Is(err, errRefreshReused), errors.Is(err, errRefreshExpired):
		return http.StatusUnauthorized, "Invalid refresh token"
	case errors.Is(err, errEmailTaken):
		return http.StatusConflict, "Email already registered"
	case errors.Is(err, errUsernameTaken):
		return http.StatusConflict, "Username already taken"
	case errors.Is(err, errVersionMismatch):
		return http.StatusConflict, "Note was modified by someone else"
	case errors.Is(err, errNoteNotDeleted):
		return http.StatusConflict, "Note is not deleted"
	case errors.Is(err, errNoteNotFound), errors.Is(err, errAccountNotFound):
		return http.StatusNotFound, "Not found"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

func toNotePayload(record NoteRecord) notePayload {
	return notePayload{
		ID:        record.ID,
		Title:     record.Title,
		Content:   record.Content,
		Tags:      record.Tags(),
		Version:   record.Version,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
		DeletedAt: record.DeletedAt,
	}
}

func noteIDParam(c *gin.Context) (int64, bool) {
	noteID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || noteID <= 0 {
		respondError(c, http.StatusBadRequest, "invalid_note_id", "Note id must be a positive integer")
		return 0, false
	}
	return noteID, true
}

func intQuery(c *gin.Context, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, errors.New("invalid integer")
	}
	return value, nil
}
