package handlers

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/bookverse/chat/internal/backend"
	"github.com/bookverse/chat/internal/chat"
	"github.com/bookverse/chat/internal/common"
)

// fileKinds are the multipart parts that carry an uploaded file.
var fileKinds = []chat.AttachmentKind{chat.KindImage, chat.KindVideo, chat.KindAudio, chat.KindFile}

func (h *Handler) ListConversations(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	convs, err := h.Svc.ListConversations(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to list conversations")
		return
	}
	common.OK(c, convs)
}

type startConversationReq struct {
	ParticipantID uint64 `json:"participant_id" binding:"required"`
}

func (h *Handler) StartConversation(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req startConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	conv, created, err := h.Svc.StartConversation(c.Request.Context(), uid, req.ParticipantID)
	switch {
	case errors.Is(err, backend.ErrSelfConversation):
		common.Fail(c, http.StatusBadRequest, 10005, err.Error())
		return
	case errors.Is(err, gorm.ErrRecordNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "user not found")
		return
	case err != nil:
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to start conversation")
		return
	}
	if created {
		common.Created(c, conv)
		return
	}
	common.OK(c, conv)
}

func (h *Handler) ListMessages(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	convID, ok := uintParam(c, "id")
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint64
	if s := c.Query("before_id"); s != "" {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, err := h.Svc.ListMessages(c.Request.Context(), uid, convID, limit, beforeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "conversation not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}
	out := make([]chat.WireMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Wire())
	}
	common.OK(c, out)
}

// SendMessage accepts multipart/form-data with an optional body, at most one
// attachment part (image, video, audio, file or a book_link value) and an
// optional client_msg_id.
func (h *Handler) SendMessage(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	convID, ok := uintParam(c, "id")
	if !ok {
		return
	}
	if err := h.Svc.IsParticipant(c.Request.Context(), convID, uid); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "conversation not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}

	in := backend.NewMessage{
		Body:        c.PostForm("body"),
		ClientMsgID: c.PostForm("client_msg_id"),
	}
	if link := c.PostForm(string(chat.KindBookLink)); link != "" {
		in.Kind, in.Attachment = chat.KindBookLink, link
	}

	var part *multipart.FileHeader
	for _, k := range fileKinds {
		fh, err := c.FormFile(string(k))
		if err != nil {
			continue
		}
		if part != nil || in.Kind != "" {
			common.Fail(c, http.StatusBadRequest, 10010, "only one attachment per message")
			return
		}
		part, in.Kind = fh, k
	}
	if part != nil {
		url, err := h.Uploads.Save(string(in.Kind), part)
		if err != nil {
			h.Log.Warn("store attachment failed", "user_id", uid, "kind", in.Kind, "err", err)
			common.Fail(c, http.StatusBadRequest, 10011, "failed to store attachment")
			return
		}
		in.Attachment = url
		in.AttachmentName = part.Filename
		in.AttachmentType = part.Header.Get("Content-Type")
	}

	msg, created, err := h.Svc.SendMessage(c.Request.Context(), uid, convID, in)
	if err != nil {
		switch {
		case errors.Is(err, backend.ErrInvalidMessage):
			common.Fail(c, http.StatusBadRequest, 10010, err.Error())
		case errors.Is(err, gorm.ErrRecordNotFound):
			common.Fail(c, http.StatusNotFound, 40004, "conversation not found")
		default:
			common.Fail(c, http.StatusInternalServerError, 50003, "failed to send message")
		}
		return
	}
	if created {
		common.Created(c, msg.Wire())
		return
	}
	common.OK(c, msg.Wire())
}
