package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keygate/keygate/internal/account"
	"github.com/keygate/keygate/internal/crypto"
	"github.com/keygate/keygate/internal/db/bunx"
	"github.com/keygate/keygate/internal/db/models"
	kgmw "github.com/keygate/keygate/internal/middleware"
	"github.com/keygate/keygate/internal/rbac"
	"github.com/keygate/keygate/internal/repository"
)

// mountAdmin wires the permission-gated admin API.
func (h *handlers) mountAdmin(r chi.Router) {
	perm := func(names ...string) func(http.Handler) http.Handler {
		return kgmw.RequirePermission(h.Audit, names...)
	}

	r.With(perm("users:read")).Get("/users", h.adminListUsers)
	r.With(perm("users:write")).Post("/users", h.adminCreateUser)
	r.With(perm("users:read")).Get("/users/{id}", h.adminGetUser)
	r.With(perm("users:write")).Put("/users/{id}", h.adminUpdateUser)
	r.With(perm("users:write")).Delete("/users/{id}", h.adminDeleteUser)
	r.With(perm("roles:write")).Post("/users/{id}/roles", h.adminAssignRole)
	r.With(perm("roles:write")).Delete("/users/{id}/roles/{roleID}", h.adminRemoveRole)
	r.With(perm("permissions:read")).Get("/users/{id}/permissions", h.adminUserPermissions)

	r.With(perm("clients:read")).Get("/clients", h.adminListClients)
	r.With(perm("clients:write")).Post("/clients", h.adminCreateClient)
	r.With(perm("clients:read")).Get("/clients/{id}", h.adminGetClient)
	r.With(perm("clients:write")).Put("/clients/{id}", h.adminUpdateClient)
	r.With(perm("clients:write")).Delete("/clients/{id}", h.adminDeleteClient)

	r.With(perm("scopes:read")).Get("/scopes", h.adminListScopes)
	r.With(perm("scopes:write")).Post("/scopes", h.adminCreateScope)

	r.With(perm("roles:read")).Get("/roles", h.adminListRoles)
	r.With(perm("roles:write")).Post("/roles", h.adminCreateRole)
	r.With(perm("roles:write")).Put("/roles/{id}", h.adminUpdateRole)
	r.With(perm("roles:write")).Delete("/roles/{id}", h.adminDeleteRole)
	r.With(perm("roles:write")).Post("/roles/{id}/permissions", h.adminAddRolePermission)
	r.With(perm("roles:write")).Delete("/roles/{id}/permissions/{permissionID}", h.adminRemoveRolePermission)

	r.With(perm("permissions:read")).Get("/permissions", h.adminListPermissions)
	r.With(perm("permissions:write")).Post("/permissions", h.adminCreatePermission)
	r.With(perm("permissions:write")).Put("/permissions/{id}", h.adminUpdatePermission)
	r.With(perm("permissions:read")).Post("/permissions/check", h.adminCheckPermission)
	r.With(perm("permissions:read")).Post("/permissions/check-batch", h.adminCheckPermissionBatch)

	r.With(perm("audit:read")).Get("/audit", h.adminListAudit)
}

// listParams parses pagination and filter query parameters.
func listParams(r *http.Request) (limit, offset int, filter repository.ListFilter) {
	limit = 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	filter.Search = r.URL.Query().Get("search")
	filter.ActiveOnly = r.URL.Query().Get("active") == "true"
	return limit, offset, filter
}

// actorID returns the authenticated caller's subject for audit records.
func actorID(r *http.Request) *string {
	auth, ok := kgmw.AuthFromContext(r.Context())
	if !ok {
		return nil
	}
	return &auth.Subject
}

func (h *handlers) recordMutation(r *http.Request, resource string, success bool, meta models.Metadata) {
	h.record(r, models.AuditAdminMutation, actorID(r), resource, success, meta)
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

type listResponse struct {
	Items any `json:"items"`
	Total int `json:"total"`
}

// ---- users ----

type userDTO struct {
	ID            string     `json:"id"`
	Username      string     `json:"username"`
	Email         *string    `json:"email,omitempty"`
	GivenName     string     `json:"given_name,omitempty"`
	FamilyName    string     `json:"family_name,omitempty"`
	IsActive      bool       `json:"is_active"`
	EmailVerified bool       `json:"email_verified"`
	LockedUntil   *time.Time `json:"locked_until,omitempty"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toUserDTO(u *models.User) userDTO {
	return userDTO{
		ID:            u.ID,
		Username:      u.Username,
		Email:         u.Email,
		GivenName:     u.GivenName,
		FamilyName:    u.FamilyName,
		IsActive:      u.IsActive,
		EmailVerified: u.EmailVerified,
		LockedUntil:   u.LockedUntil,
		LastLoginAt:   u.LastLoginAt,
		CreatedAt:     u.CreatedAt,
	}
}

func (h *handlers) adminListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset, filter := listParams(r)
	users, total, err := h.Users.List(r.Context(), limit, offset, filter)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "failed to list users")
		return
	}
	items := make([]userDTO, 0, len(users))
	for i := range users {
		items = append(items, toUserDTO(&users[i]))
	}
	writeAPIData(w, http.StatusOK, listResponse{Items: items, Total: total})
}

type createUserRequest struct {
	Username   string `json:"username"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
}

func (h *handlers) adminCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "malformed request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "username and password are required")
		return
	}
	if err := account.DefaultPasswordPolicy().Validate(req.Password); err != nil {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "failed to create user")
		return
	}

	user := &models.User{
		ID:           bunx.NewUUIDv7(),
		Username:     req.Username,
		PasswordHash: hash,
		GivenName:    req.GivenName,
		FamilyName:   req.FamilyName,
		IsActive:     true,
	}
	if req.Email != "" {
		email := strings.ToLower(req.Email)
		user.Email = &email
	}

	if err := h.Users.Create(r.Context(), user); err != nil {
		h.recordMutation(r, "users", false, models.Metadata{"username": req.Username})
		writeAPIError(w, http.StatusConflict, codeConflict, "username or email already in use")
		return
	}
	h.recordMutation(r, "users", true, models.Metadata{"user_id": user.ID})
	writeAPIData(w, http.StatusCreated, toUserDTO(user))
}

func (h *handlers) adminGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.Users.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeNotFoundOrInternal(w, err, "user")
		return
	}
	writeAPIData(w, http.StatusOK, toUserDTO(user))
}

type updateUserRequest struct {
	Email      *string `json:"email"`
	GivenName  *string `json:"given_name"`
	FamilyName *string `json:"family_name"`
	IsActive   *bool   `json:"is_active"`
}

func (h *handlers) adminUpdateUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.Users.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeNotFoundOrInternal(w, err, "user")
		return
	}

	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "malformed request body")
		return
	}
	if req.Email != nil {
		if *req.Email == "" {
			user.Email = nil
		} else {
			email := strings.ToLower(*req.Email)
			user.Email = &email
			user.EmailVerified = false
		}
	}
	if req.GivenName != nil {
		user.GivenName = *req.GivenName
	}
	if req.FamilyName != nil {
		user.FamilyName = *req.FamilyName
	}
	if req.IsActive != nil {
		user.IsActive = *req.IsActive
	}

	if err := h.Users.Update(r.Context(), user); err != nil {
		h.recordMutation(r, "users", false, models.Metadata{"user_id": user.ID})
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "failed to update user")
		return
	}
	h.recordMutation(r, "users", true, models.Metadata{"user_id": user.ID})
	writeAPIData(w, http.StatusOK, toUserDTO(user))
}

func (h *handlers) adminDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Users.Delete(r.Context(), id); err != nil {
		writeNotFoundOrInternal(w, err, "user")
		return
	}
	h.recordMutation(r, "users", true, models.Metadata{"user_id": id, "deleted": true})
	writeAPIData(w, http.StatusOK, nil)
}

type assignRoleRequest struct {
	RoleID    string     `json:"role_id"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *handlers) adminAssignRole(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req assignRoleRequest
	if err := decodeJSON(r, &req); err != nil || req.RoleID == "" {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "role_id is required")
		return
	}

	if _, err := h.Users.GetByID(r.Context(), userID); err != nil {
		writeNotFoundOrInternal(w, err, "user")
		return
	}
	if _, err := h.Roles.GetByID(r.Context(), req.RoleID); err != nil {
		writeNotFoundOrInternal(w, err, "role")
		return
	}

	assignment := &models.UserRole{
		UserID:     userID,
		RoleID:     req.RoleID,
		ExpiresAt:  req.ExpiresAt,
		AssignedAt: time.Now(),
		AssignedBy: actorID(r),
	}
	if err := h.Roles.AssignToUser(r.Context(), assignment); err != nil {
		h.recordMutation(r, "user_roles", false, models.Metadata{"user_id": userID, "role_id": req.RoleID})
		writeAPIError(w, http.StatusConflict, codeConflict, "role already assigned")
		return
	}
	h.refreshRBAC()
	h.recordMutation(r, "user_roles", true, models.Metadata{"user_id": userID, "role_id": req.RoleID})
	writeAPIData(w, http.StatusCreated, nil)
}

func (h *handlers) adminRemoveRole(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	roleID := chi.URLParam(r, "roleID")
	if err := h.Roles.RemoveFromUser(r.Context(), userID, roleID); err != nil {
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "failed to remove role")
		return
	}
	h.refreshRBAC()
	h.recordMutation(r, "user_roles", true, models.Metadata{"user_id": userID, "role_id": roleID, "removed": true})
	writeAPIData(w, http.StatusOK, nil)
}

func (h *handlers) adminUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	perms, err := h.RBAC.EffectivePermissions(r.Context(), userID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "failed to resolve permissions")
		return
	}
	writeAPIData(w, http.StatusOK, perms)
}

// ---- clients ----

type clientDTO struct {
	ID                      string   `json:"id"`
	ClientID                string   `json:"client_id"`
	Name                    string   `json:"name"`
	Type                    string   `json:"type"`
	RedirectURIs            []string `json:"redirect_uris"`
	AllowedScopes           []string `json:"allowed_scopes"`
	GrantTypes              []string `json:"grant_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	RequirePKCE             bool     `json:"require_pkce"`
	RequireConsent          bool     `json:"require_consent"`
	AllowRefreshTokens      bool     `json:"allow_refresh_tokens"`
	AccessTokenTTL          int      `json:"access_token_ttl"`
	RefreshTokenTTL         int      `json:"refresh_token_ttl"`
	IsActive                bool     `json:"is_active"`
	// ClientSecret is present only in the create response.
	ClientSecret string `json:"client_secret,omitempty"`
}

func toClientDTO(c *models.Client) clientDTO {
	return clientDTO{
		ID:                      c.ID,
		ClientID:                c.ClientID,
		Name:                    c.Name,
		Type:                    c.Type,
		RedirectURIs:            c.RedirectURIs,
		AllowedScopes:           c.AllowedScopes,
		GrantTypes:              c.GrantTypes,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		RequirePKCE:             c.RequirePKCE,
		RequireConsent:          c.RequireConsent,
		AllowRefreshTokens:      c.AllowRefreshTokens,
		AccessTokenTTL:          c.AccessTokenTTL,
		RefreshTokenTTL:         c.RefreshTokenTTL,
		IsActive:                c.IsActive,
	}
}

func (h *handlers) adminListClients(w http.ResponseWriter, r *http.Request) {
	limit, offset, filter := listParams(r)
	clients, total, err := h.Clients.List(r.Context(), limit, offset, filter)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "failed to list clients")
		return
	}
	items := make([]clientDTO, 0, len(clients))
	for i := range clients {
		items = append(items, toClientDTO(&clients[i]))
	}
	writeAPIData(w, http.StatusOK, listResponse{Items: items, Total: total})
}

type createClientRequest struct {
	Name               string   `json:"name"`
	Type               string   `json:"type"`
	RedirectURIs       []string `json:"redirect_uris"`
	AllowedScopes      []string `json:"allowed_scopes"`
	GrantTypes         []string `json:"grant_types"`
	RequireConsent     *bool    `json:"require_consent"`
	AllowRefreshTokens bool     `json:"allow_refresh_tokens"`
	AccessTokenTTL     int      `json:"access_token_ttl"`
	RefreshTokenTTL    int      `json:"refresh_token_ttl"`
}

// adminCreateClient registers a client. Confidential clients get a generated
// secret returned exactly once; public clients are forced to PKCE with no
// secret.
func (h *handlers) adminCreateClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "malformed request body")
		return
	}
	if req.Name == "" {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "name is required")
		return
	}
	if req.Type != models.ClientTypePublic && req.Type != models.ClientTypeConfidential {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "type must be PUBLIC or CONFIDENTIAL")
		return
	}
	if len(req.GrantTypes) == 0 {
		req.GrantTypes = []string{"authorization_code"}
	}
	for _, gt := range req.GrantTypes {
		if gt == "authorization_code" && len(req.RedirectURIs) == 0 {
			writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "authorization_code clients need at least one redirect URI")
			return
		}
		if gt == "client_credentials" && req.Type == models.ClientTypePublic {
			writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "public clients may not use client_credentials")
			return
		}
	}

	publicID, err := crypto.NewTokenN(16)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "failed to create client")
		return
	}

	client := &models.Client{
		ID:                        bunx.NewUUIDv7(),
		ClientID:                  publicID,
		Name:                      req.Name,
		Type:                      req.Type,
		RedirectURIs:              req.RedirectURIs,
		AllowedScopes:             req.AllowedScopes,
		GrantTypes:                req.GrantTypes,
		ResponseTypes:             models.StringList{"code"},
		RequirePKCE:               true,
		RequireConsent:            true,
		AllowRefreshTokens:        req.AllowRefreshTokens,
		AccessTokenTTL:            req.AccessTokenTTL,
		RefreshTokenTTL:           req.RefreshTokenTTL,
		AuthorizationCodeLifetime: h.Cfg.AuthCodeTTL,
		IsActive:                  true,
	}
	if req.RequireConsent != nil {
		client.RequireConsent = *req.RequireConsent
	}
	if client.AccessTokenTTL <= 0 {
		client.AccessTokenTTL = h.Cfg.AccessTokenTTL
	}
	if client.RefreshTokenTTL <= 0 {
		client.RefreshTokenTTL = h.Cfg.RefreshTokenTTL
	}

	var rawSecret string
	if req.Type == models.ClientTypeConfidential {
		secret, err := crypto.NewToken()
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, codeInternal, "failed to create client")
			return
		}
		rawSecret = secret
		hash, err := crypto.HashPassword(rawSecret)
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, codeInternal, "failed to create client")
			return
		}
		client.ClientSecretHash = &hash
		client.TokenEndpointAuthMethod = models.AuthMethodBasic
	} else {
		client.TokenEndpointAuthMethod = models.AuthMethodNone
	}

	if err := h.Clients.Create(r.Context(), client); err != nil {
		h.recordMutation(r, "clients", false, models.Metadata{"name": req.Name})
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "failed to create client")
		return
	}
	h.recordMutation(r, "clients", true, models.Metadata{"client_id": client.ClientID})

	dto := toClientDTO(client)
	dto.ClientSecret = rawSecret
	writeAPIData(w, http.StatusCreated, dto)
}

func (h *handlers) adminGetClient(w http.ResponseWriter, r *http.Request) {
	client, err := h.Clients.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeNotFoundOrInternal(w, err, "client")
		return
	}
	writeAPIData(w, http.StatusOK, toClientDTO(client))
}

type updateClientRequest struct {
	Name               *string   `json:"name"`
	RedirectURIs       *[]string `json:"redirect_uris"`
	AllowedScopes      *[]string `json:"allowed_scopes"`
	RequireConsent     *bool     `json:"require_consent"`
	AllowRefreshTokens *bool     `json:"allow_refresh_tokens"`
	IsActive           *bool     `json:"is_active"`
}

func (h *handlers) adminUpdateClient(w http.ResponseWriter, r *http.Request) {
	client, err := h.Clients.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeNotFoundOrInternal(w, err, "client")
		return
	}

	var req updateClientRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "malformed request body")
		return
	}
	if req.Name != nil {
		client.Name = *req.Name
	}
	if req.RedirectURIs != nil {
		client.RedirectURIs = *req.RedirectURIs
	}
	if req.AllowedScopes != nil {
		client.AllowedScopes = *req.AllowedScopes
	}
	if req.RequireConsent != nil {
		client.RequireConsent = *req.RequireConsent
	}
	if req.AllowRefreshTokens != nil {
		client.AllowRefreshTokens = *req.AllowRefreshTokens
	}
	if req.IsActive != nil {
		client.IsActive = *req.IsActive
	}

	if err := h.Clients.Update(r.Context(), client); err != nil {
		h.recordMutation(r, "clients", false, models.Metadata{"client_id": client.ClientID})
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "failed to update client")
		return
	}
	h.recordMutation(r, "clients", true, models.Metadata{"client_id": client.ClientID})
	writeAPIData(w, http.StatusOK, toClientDTO(client))
}

func (h *handlers) adminDeleteClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Clients.Delete(r.Context(), id); err != nil {
		writeNotFoundOrInternal(w, err, "client")
		return
	}
	h.recordMutation(r, "clients", true, models.Metadata{"id": id, "deleted": true})
	writeAPIData(w, http.StatusOK, nil)
}

// ---- scopes ----

func (h *handlers) adminListScopes(w http.ResponseWriter, r *http.Request) {
	limit, offset, filter := listParams(r)
	scopes, total, err := h.Scopes.List(r.Context(), limit, offset, filter)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "failed to list scopes")
		return
	}
	writeAPIData(w, http.StatusOK, listResponse{Items: scopes, Total: total})
}

type createScopeRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPublic    *bool  `json:"is_public"`
}

func (h *handlers) adminCreateScope(w http.ResponseWriter, r *http.Request) {
	var req createScopeRequest
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "name is required")
		return
	}

	scope := &models.Scope{
		ID:          bunx.NewUUIDv7(),
		Name:        req.Name,
		Description: req.Description,
		IsPublic:    true,
		IsActive:    true,
	}
	if req.IsPublic != nil {
		scope.IsPublic = *req.IsPublic
	}
	if err := h.Scopes.Create(r.Context(), scope); err != nil {
		h.recordMutation(r, "scopes", false, models.Metadata{"name": req.Name})
		writeAPIError(w, http.StatusConflict, codeConflict, "scope already exists")
		return
	}
	h.recordMutation(r, "scopes", true, models.Metadata{"name": req.Name})
	writeAPIData(w, http.StatusCreated, scope)
}

// ---- roles ----

func (h *handlers) adminListRoles(w http.ResponseWriter, r *http.Request) {
	limit, offset, filter := listParams(r)
	roles, total, err := h.Roles.List(r.Context(), limit, offset, filter)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "failed to list roles")
		return
	}
	writeAPIData(w, http.StatusOK, listResponse{Items: roles, Total: total})
}

type createRoleRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

func (h *handlers) adminCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "name is required")
		return
	}

	role := &models.Role{
		ID:          bunx.NewUUIDv7(),
		Name:        strings.ToUpper(req.Name),
		DisplayName: req.DisplayName,
		IsActive:    true,
	}
	if err := h.Roles.Create(r.Context(), role); err != nil {
		h.recordMutation(r, "roles", false, models.Metadata{"name": role.Name})
		writeAPIError(w, http.StatusConflict, codeConflict, "role already exists")
		return
	}
	h.recordMutation(r, "roles", true, models.Metadata{"name": role.Name})
	writeAPIData(w, http.StatusCreated, role)
}

type updateRoleRequest struct {
	DisplayName *string `json:"display_name"`
	IsActive    *bool   `json:"is_active"`
}

func (h *handlers) adminUpdateRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.Roles.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeNotFoundOrInternal(w, err, "role")
		return
	}

	var req updateRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "malformed request body")
		return
	}
	if req.DisplayName != nil {
		role.DisplayName = *req.DisplayName
	}
	if req.IsActive != nil {
		role.IsActive = *req.IsActive
	}

	if err := h.Roles.Update(r.Context(), role); err != nil {
		h.recordMutation(r, "roles", false, models.Metadata{"role_id": role.ID})
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	}
	h.refreshRBAC()
	h.recordMutation(r, "roles", true, models.Metadata{"role_id": role.ID})
	writeAPIData(w, http.StatusOK, role)
}

func (h *handlers) adminDeleteRole(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Roles.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, codeNotFound, "role not found")
			return
		}
		h.recordMutation(r, "roles", false, models.Metadata{"role_id": id})
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	}
	h.refreshRBAC()
	h.recordMutation(r, "roles", true, models.Metadata{"role_id": id, "deleted": true})
	writeAPIData(w, http.StatusOK, nil)
}

type rolePermissionRequest struct {
	PermissionID string `json:"permission_id"`
}

func (h *handlers) adminAddRolePermission(w http.ResponseWriter, r *http.Request) {
	roleID := chi.URLParam(r, "id")

	var req rolePermissionRequest
	if err := decodeJSON(r, &req); err != nil || req.PermissionID == "" {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "permission_id is required")
		return
	}
	if _, err := h.Roles.GetByID(r.Context(), roleID); err != nil {
		writeNotFoundOrInternal(w, err, "role")
		return
	}
	if _, err := h.Perms.GetByID(r.Context(), req.PermissionID); err != nil {
		writeNotFoundOrInternal(w, err, "permission")
		return
	}

	if err := h.Roles.AddPermission(r.Context(), roleID, req.PermissionID); err != nil {
		h.recordMutation(r, "role_permissions", false, models.Metadata{"role_id": roleID})
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "failed to add permission")
		return
	}
	h.refreshRBAC()
	h.recordMutation(r, "role_permissions", true, models.Metadata{"role_id": roleID, "permission_id": req.PermissionID})
	writeAPIData(w, http.StatusCreated, nil)
}

func (h *handlers) adminRemoveRolePermission(w http.ResponseWriter, r *http.Request) {
	roleID := chi.URLParam(r, "id")
	permissionID := chi.URLParam(r, "permissionID")
	if err := h.Roles.RemovePermission(r.Context(), roleID, permissionID); err != nil {
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "failed to remove permission")
		return
	}
	h.refreshRBAC()
	h.recordMutation(r, "role_permissions", true, models.Metadata{"role_id": roleID, "permission_id": permissionID, "removed": true})
	writeAPIData(w, http.StatusOK, nil)
}

// ---- permissions ----

func (h *handlers) adminListPermissions(w http.ResponseWriter, r *http.Request) {
	limit, offset, filter := listParams(r)
	perms, total, err := h.Perms.List(r.Context(), limit, offset, filter)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "failed to list permissions")
		return
	}
	writeAPIData(w, http.StatusOK, listResponse{Items: perms, Total: total})
}

type createPermissionRequest struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

func (h *handlers) adminCreatePermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "name is required")
		return
	}
	if req.Type == "" {
		req.Type = models.PermissionTypeAPI
	}

	perm := &models.Permission{
		ID:          bunx.NewUUIDv7(),
		Name:        req.Name,
		Type:        req.Type,
		Description: req.Description,
		IsActive:    true,
	}
	if err := h.Perms.Create(r.Context(), perm); err != nil {
		h.recordMutation(r, "permissions", false, models.Metadata{"name": req.Name})
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	}
	h.recordMutation(r, "permissions", true, models.Metadata{"name": req.Name})
	writeAPIData(w, http.StatusCreated, perm)
}

type updatePermissionRequest struct {
	Description *string `json:"description"`
	IsActive    *bool   `json:"is_active"`
}

func (h *handlers) adminUpdatePermission(w http.ResponseWriter, r *http.Request) {
	perm, err := h.Perms.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeNotFoundOrInternal(w, err, "permission")
		return
	}

	var req updatePermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "malformed request body")
		return
	}
	if req.Description != nil {
		perm.Description = *req.Description
	}
	if req.IsActive != nil {
		perm.IsActive = *req.IsActive
	}

	if err := h.Perms.Update(r.Context(), perm); err != nil {
		h.recordMutation(r, "permissions", false, models.Metadata{"permission_id": perm.ID})
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	}
	h.refreshRBAC()
	h.recordMutation(r, "permissions", true, models.Metadata{"permission_id": perm.ID})
	writeAPIData(w, http.StatusOK, perm)
}

// ---- permission checks ----

type checkPermissionRequest struct {
	UserID   string `json:"user_id"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// adminCheckPermission evaluates a single permission check. user_id defaults
// to the caller.
func (h *handlers) adminCheckPermission(w http.ResponseWriter, r *http.Request) {
	var req checkPermissionRequest
	if err := decodeJSON(r, &req); err != nil || req.Resource == "" || req.Action == "" {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "resource and action are required")
		return
	}
	userID, ok := h.checkSubject(r, req.UserID)
	if !ok {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "user_id is required for client tokens")
		return
	}

	results, err := h.RBAC.CheckBatch(userID, []rbac.CheckRequest{
		{Resource: req.Resource, Action: req.Action},
	})
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "permission check failed")
		return
	}
	writeAPIData(w, http.StatusOK, results[0])
}

type checkBatchRequest struct {
	UserID string              `json:"user_id"`
	Checks []rbac.CheckRequest `json:"checks"`
}

// adminCheckPermissionBatch evaluates multiple checks in one call; the
// results array is parallel to the request array.
func (h *handlers) adminCheckPermissionBatch(w http.ResponseWriter, r *http.Request) {
	var req checkBatchRequest
	if err := decodeJSON(r, &req); err != nil || len(req.Checks) == 0 {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "checks are required")
		return
	}
	userID, ok := h.checkSubject(r, req.UserID)
	if !ok {
		writeAPIError(w, http.StatusBadRequest, codeInvalidInput, "user_id is required for client tokens")
		return
	}

	results, err := h.RBAC.CheckBatch(userID, req.Checks)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "permission check failed")
		return
	}
	writeAPIData(w, http.StatusOK, map[string]any{"results": results})
}

// checkSubject resolves which user a permission check targets: the explicit
// user_id, or the caller's own user for user tokens.
func (h *handlers) checkSubject(r *http.Request, explicit string) (string, bool) {
	if explicit != "" {
		return explicit, true
	}
	auth, ok := kgmw.AuthFromContext(r.Context())
	if !ok || auth.UserID == nil {
		return "", false
	}
	return *auth.UserID, true
}

// ---- audit ----

func (h *handlers) adminListAudit(w http.ResponseWriter, r *http.Request) {
	limit, offset, filter := listParams(r)
	events, total, err := h.AuditLog.List(r.Context(), limit, offset, filter)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, codeInternal, "failed to list audit events")
		return
	}
	writeAPIData(w, http.StatusOK, listResponse{Items: events, Total: total})
}

// ---- shared ----

func (h *handlers) refreshRBAC() {
	if h.RBAC == nil {
		return
	}
	if err := h.RBAC.Refresh(); err != nil {
		// Enforcement keeps running on the previous policy snapshot.
		log.Printf("server: rbac policy refresh: %v", err)
	}
}

func writeNotFoundOrInternal(w http.ResponseWriter, err error, entity string) {
	if errors.Is(err, repository.ErrNotFound) {
		writeAPIError(w, http.StatusNotFound, codeNotFound, entity+" not found")
		return
	}
	writeAPIError(w, http.StatusInternalServerError, codeInternal, "failed to load "+entity)
}
