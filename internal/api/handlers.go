package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"relay/internal/auth"
	"relay/internal/content"
	"relay/internal/filestore"
	"relay/internal/models"
	"relay/internal/presence"
	"relay/internal/storage"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

const maxUploadBytes = 16 << 20

type API struct {
	auth     *auth.AuthService
	storage  *storage.BboltStorage
	presence *presence.Registry
	files    filestore.FileStore
	log      *slog.Logger
}

func New(
	authService *auth.AuthService,
	st *storage.BboltStorage,
	reg *presence.Registry,
	files filestore.FileStore,
	log *slog.Logger,
) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{
		auth:     authService,
		storage:  st,
		presence: reg,
		files:    files,
		log:      log,
	}
}

func (a *API) getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// RequireAuth resolves the session token and passes the user ID through.
func (a *API) RequireAuth(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.VerifyToken(a.getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, userID)
	}
}

func (a *API) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error("failed to encode response", "error", err)
	}
}

func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := a.auth.Register(req)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			http.Error(w, "username already taken", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	a.writeJSON(w, user)
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest

	// Support both JSON and Form bodies.
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	loginResp, _ := a.auth.Login(req)
	if !loginResp.Success {
		w.WriteHeader(http.StatusUnauthorized)
		a.writeJSON(w, loginResp)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    loginResp.Token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(loginResp.TokenExpiry, 0),
	})

	a.writeJSON(w, loginResp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	token := a.getToken(r)
	if token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})

	w.WriteHeader(http.StatusOK)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request, userID string) {
	user, err := a.storage.GetUser(userID)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	user.Presence = a.livePresence(user)
	a.writeJSON(w, user)
}

func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request, userID string) {
	users, err := a.storage.ListUsers()
	if err != nil {
		a.log.Error("failed to list users", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	for i := range users {
		users[i].Presence = a.livePresence(users[i])
	}
	a.writeJSON(w, users)
}

// livePresence overlays the in-memory registry on the stored snapshot, so
// users online right now show as online even if the stored record lags.
func (a *API) livePresence(user models.User) models.Presence {
	p := a.presence.Snapshot(user.ID)
	if !p.Online && p.LastSeen == 0 {
		return user.Presence
	}
	return p
}

type chatSummary struct {
	models.Chat
	Unread int `json:"unread"`
}

func (a *API) ChatsHandler(w http.ResponseWriter, r *http.Request, userID string) {
	chats, err := a.storage.ListChatsForUser(userID)
	if err != nil {
		a.log.Error("failed to list chats", "user_id", userID, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	result := make([]chatSummary, 0, len(chats))
	for _, c := range chats {
		unread, err := a.storage.CountUnread(c.ID, userID)
		if err != nil {
			a.log.Error("failed to count unread", "chat_id", c.ID, "error", err)
		}
		result = append(result, chatSummary{Chat: c, Unread: unread})
	}
	a.writeJSON(w, result)
}

func (a *API) CreatePrivateChatHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == userID {
		http.Error(w, "cannot open a chat with yourself", http.StatusBadRequest)
		return
	}

	other, err := a.storage.GetUser(req.UserID)
	if err != nil {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}

	// Reuse the existing private chat between the two users if there is one.
	existing, err := a.storage.ListChatsForUser(userID)
	if err != nil {
		a.log.Error("failed to list chats", "user_id", userID, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	for _, c := range existing {
		if c.Kind == models.ChatKindPrivate && c.HasMember(req.UserID) {
			a.writeJSON(w, c)
			return
		}
	}

	chat := models.Chat{
		ID:      uuid.NewString(),
		Name:    other.DisplayName,
		Kind:    models.ChatKindPrivate,
		Members: []string{userID, req.UserID},
	}
	if err := a.storage.CreateChat(chat); err != nil {
		a.log.Error("failed to create chat", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, chat)
}

func (a *API) CreateGroupChatHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Name    string   `json:"name"`
		Members []string `json:"members"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	name := content.Sanitize(req.Name)
	if name == "" {
		http.Error(w, "group name is required", http.StatusBadRequest)
		return
	}

	// The creator is always a member.
	members := []string{userID}
	for _, m := range req.Members {
		if m == userID {
			continue
		}
		if _, err := a.storage.GetUser(m); err != nil {
			http.Error(w, fmt.Sprintf("unknown member %s", m), http.StatusBadRequest)
			return
		}
		members = append(members, m)
	}
	if len(members) < 2 {
		http.Error(w, "a group needs at least two members", http.StatusBadRequest)
		return
	}

	chat := models.Chat{
		ID:      uuid.NewString(),
		Name:    name,
		Kind:    models.ChatKindGroup,
		Members: members,
	}
	if err := a.storage.CreateChat(chat); err != nil {
		a.log.Error("failed to create chat", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, chat)
}

type historyMessage struct {
	models.Message
	HTML string `json:"html,omitempty"`
}

// MessagesHandler returns a seq range of a chat's history. Text messages
// carry a rendered HTML field alongside the raw content.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request, userID string) {
	chatID := r.PathValue("chatId")

	chat, err := a.storage.GetChat(chatID)
	if err != nil {
		http.Error(w, "chat not found", http.StatusNotFound)
		return
	}
	if !chat.HasMember(userID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	from := parseSeq(r.URL.Query().Get("from"), 1)
	to := parseSeq(r.URL.Query().Get("to"), chat.LastSeq)

	messages, err := a.storage.ListMessages(chatID, from, to)
	if err != nil {
		a.log.Error("failed to list messages", "chat_id", chatID, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	result := make([]historyMessage, 0, len(messages))
	for _, m := range messages {
		hm := historyMessage{Message: m}
		if m.Kind == models.MessageKindText {
			html, err := content.RenderMarkdown(m.Content)
			if err != nil {
				a.log.Error("failed to render message", "message_id", m.ID, "error", err)
			} else {
				hm.HTML = html
			}
		}
		result = append(result, hm)
	}
	a.writeJSON(w, result)
}

func parseSeq(s string, def int64) int64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request, userID string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read upload", http.StatusBadRequest)
		return
	}

	// Trust the bytes, not the declared content type.
	mimeType := "application/octet-stream"
	kind := models.MessageKindFile
	if t, err := filetype.Match(data); err == nil && t != filetype.Unknown {
		mimeType = t.MIME.Value
		if filetype.IsImage(data) {
			kind = models.MessageKindImage
		}
	}

	hash := filestore.ContentHash(data)
	if err := a.files.Save(bytes.NewReader(data), hash); err != nil {
		a.log.Error("failed to store upload", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	meta := storage.FileMetadata{
		ID:        uuid.NewString(),
		Hash:      hash,
		Name:      header.Filename,
		MimeType:  mimeType,
		Size:      int64(len(data)),
		CreatedAt: time.Now().Unix(),
		UserID:    userID,
	}
	if err := a.storage.UpsertFileMetadata(meta); err != nil {
		a.log.Error("failed to store file metadata", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	a.writeJSON(w, struct {
		Kind       models.MessageKind `json:"kind"`
		Attachment models.Attachment  `json:"attachment"`
	}{
		Kind: kind,
		Attachment: models.Attachment{
			Name:     header.Filename,
			MimeType: mimeType,
			FileID:   meta.ID,
			Size:     meta.Size,
		},
	})
}

func (a *API) GetFileHandler(w http.ResponseWriter, r *http.Request, userID string) {
	meta, err := a.storage.GetFileMetadata(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	blob, err := a.files.Get(meta.Hash)
	if err != nil {
		a.log.Error("failed to open blob", "file_id", meta.ID, "error", err)
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	defer blob.Close()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", meta.Name))
	if _, err := io.Copy(w, blob); err != nil {
		a.log.Debug("file download aborted", "file_id", meta.ID, "error", err)
	}
}

func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request, userID string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 16<<10))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "Invalid subscription", http.StatusBadRequest)
		return
	}

	if err := a.storage.UpsertPushSubscription(userID, body); err != nil {
		a.log.Error("failed to store push subscription", "user_id", userID, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
