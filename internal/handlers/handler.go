package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"vilt-vqa/internal/imageproc"
	"vilt-vqa/internal/mediagroup"
	"vilt-vqa/internal/session"
	"vilt-vqa/internal/telegram"
	"vilt-vqa/internal/vqa"
)

const (
	helpText = "Visual Question Answering\n\n" +
		"Send a photo with your question as the caption, or send the photo first and the question next.\n\n" +
		"Commands:\n" +
		"/start - Start the bot\n" +
		"/help - Show this help\n" +
		"/clear - Forget the photo waiting for a question"
	askText      = "Got the image. Now send your question."
	noImageText  = "Please send an image first."
	downloadText = "Could not download the image, please send it again."
)

// Messenger is the part of the Telegram client the handler talks to.
type Messenger interface {
	SendTyping(chatID int64)
	Reply(chatID int64, replyTo int, text string) error
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

type Answerer interface {
	Answer(ctx context.Context, image []byte, question string) vqa.Result
}

type Options struct {
	Telegram Messenger
	Answerer Answerer
	Sessions *session.Store
	Logger   *slog.Logger
	// AlbumConcurrency bounds parallel answers within one album.
	AlbumConcurrency int
}

type Handler struct {
	tg               Messenger
	answerer         Answerer
	sessions         *session.Store
	logger           *slog.Logger
	aggregator       *mediagroup.Aggregator
	albumConcurrency int
}

func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = session.NewStore(session.Options{})
	}
	concurrency := opts.AlbumConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	return &Handler{
		tg:               opts.Telegram,
		answerer:         opts.Answerer,
		sessions:         sessions,
		logger:           logger,
		albumConcurrency: concurrency,
	}
}

func (h *Handler) SetMediaGroupAggregator(ag *mediagroup.Aggregator) {
	h.aggregator = ag
}

func (h *Handler) HandleUpdate(ctx context.Context, update telegram.Update) error {
	if update.Message == nil || update.Message.Chat == nil {
		return nil
	}

	msg := update.Message
	chatID := msg.Chat.ID

	if msg.IsCommand() {
		return h.handleCommand(chatID, msg)
	}

	if len(msg.Photo) > 0 {
		return h.handlePhoto(ctx, chatID, msg)
	}

	if msg.Text != "" {
		return h.handleQuestion(ctx, chatID, msg)
	}

	return nil
}

func (h *Handler) HandleMediaGroup(ctx context.Context, group mediagroup.Group) {
	if len(group.Photos) == 0 {
		return
	}

	h.logger.Info("album received", "chat", group.ChatID, "user", group.UserID, "photos", len(group.Photos))

	if strings.TrimSpace(group.Caption) == "" {
		first := group.Photos[0]
		h.sessions.Put(group.ChatID, session.Upload{
			FileID:    first.FileID,
			MessageID: first.MessageID,
			UserID:    group.UserID,
		})
		if err := h.tg.Reply(group.ChatID, first.MessageID, askText); err != nil {
			h.logger.Error("reply failed", "err", err)
		}
		return
	}

	if err := h.answerAlbum(ctx, group); err != nil {
		h.logger.Error("album processing failed", "err", err)
	}
}

func (h *Handler) handleCommand(chatID int64, msg *tgbotapi.Message) error {
	switch msg.Command() {
	case "start", "help":
		return h.tg.Reply(chatID, 0, helpText)
	case "clear":
		if h.sessions.Clear(chatID) {
			return h.tg.Reply(chatID, 0, "The pending image was discarded.")
		}
		return h.tg.Reply(chatID, 0, "There is no pending image.")
	default:
		return h.tg.Reply(chatID, 0, "Unknown command. Use /help.")
	}
}

func (h *Handler) handlePhoto(ctx context.Context, chatID int64, msg *tgbotapi.Message) error {
	photo := msg.Photo[len(msg.Photo)-1]

	if msg.MediaGroupID != "" && h.aggregator != nil {
		h.aggregator.Add(mediagroup.Item{
			ChatID:       chatID,
			UserID:       userID(msg),
			MediaGroupID: msg.MediaGroupID,
			MessageID:    msg.MessageID,
			Caption:      msg.Caption,
			FileID:       photo.FileID,
		})
		return nil
	}

	if strings.TrimSpace(msg.Caption) == "" {
		h.sessions.Put(chatID, session.Upload{
			FileID:    photo.FileID,
			MessageID: msg.MessageID,
			UserID:    userID(msg),
		})
		h.logger.Debug("upload waiting for question", "chat", chatID, "user", userID(msg), "pending", h.sessions.Len())
		return h.tg.Reply(chatID, msg.MessageID, askText)
	}

	return h.answerPhoto(ctx, chatID, msg.MessageID, photo.FileID, msg.Caption)
}

func (h *Handler) handleQuestion(ctx context.Context, chatID int64, msg *tgbotapi.Message) error {
	up, ok := h.sessions.Take(chatID)
	if !ok {
		return h.tg.Reply(chatID, msg.MessageID, noImageText)
	}
	h.logger.Info("question for pending upload", "chat", chatID, "user", up.UserID, "photo_message", up.MessageID)
	return h.answerPhoto(ctx, chatID, msg.MessageID, up.FileID, msg.Text)
}

func (h *Handler) answerPhoto(ctx context.Context, chatID int64, replyTo int, fileID, question string) error {
	h.tg.SendTyping(chatID)

	data, err := h.tg.DownloadFile(ctx, fileID)
	if err != nil {
		h.logger.Error("photo download failed", "err", err)
		return h.tg.Reply(chatID, replyTo, downloadText)
	}

	res := h.answer(ctx, data, question)
	h.logger.Info("answered", "chat", chatID, "ok", res.OK(), "kind", res.Kind)
	return h.tg.Reply(chatID, replyTo, res.Message())
}

func (h *Handler) answerAlbum(ctx context.Context, group mediagroup.Group) error {
	h.tg.SendTyping(group.ChatID)

	results := make([]vqa.Result, len(group.Photos))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(h.albumConcurrency)
	for i, photo := range group.Photos {
		i, photo := i, photo
		eg.Go(func() error {
			data, err := h.tg.DownloadFile(egCtx, photo.FileID)
			if err != nil {
				return fmt.Errorf("download %s: %w", photo.FileID, err)
			}
			results[i] = h.answer(egCtx, data, group.Caption)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		h.logger.Error("photo download failed", "err", err)
		return h.tg.Reply(group.ChatID, group.Photos[0].MessageID, downloadText)
	}

	for i, photo := range group.Photos {
		if err := h.tg.Reply(group.ChatID, photo.MessageID, results[i].Message()); err != nil {
			return err
		}
	}
	return nil
}

// answer re-encodes to JPEG the same way the web form does before inference.
func (h *Handler) answer(ctx context.Context, data []byte, question string) vqa.Result {
	jpegBytes, err := imageproc.ToJPEG(data)
	if err != nil {
		return vqa.Failed(vqa.KindDecode, err)
	}
	return h.answerer.Answer(ctx, jpegBytes, question)
}

func userID(msg *tgbotapi.Message) int64 {
	if msg.From == nil {
		return 0
	}
	return msg.From.ID
}
