package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clipmesh/crypto"
	"clipmesh/models"
	"clipmesh/protocol"
)

// ShareClipboard encrypts a text payload and broadcasts it to every runtime
// peer. The content signature register is primed first so the mesh relaying
// our own payload back does not re-trigger delivery.
func (e *Engine) ShareClipboard(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}

	payload := models.ClipboardPayload{
		ID:        uuid.NewString(),
		Text:      text,
		Timestamp: e.clock.Now().UnixMilli(),
		Sender:    e.options.Hostname,
		SenderID:  e.options.DeviceID,
	}
	return e.sharePayload(payload)
}

// sharePayload is the shared tail of ShareClipboard and ShareFiles: prime
// the dedupe register, record local history, seal, and fan out.
func (e *Engine) sharePayload(payload models.ClipboardPayload) error {
	e.setContentSignature(payload.ContentSignature())

	item := models.ClipboardItem{
		Payload:    payload,
		ReceivedAt: e.clock.Now().Unix(),
		Local:      true,
	}
	if err := e.store.SaveHistoryItem(item, e.options.HistoryLimit); err != nil {
		e.reportError(fmt.Errorf("save shared item: %w", err))
	}

	sealed, err := e.sealClipboard(payload)
	if err != nil {
		return err
	}
	e.applyEffects([]effect{
		emitEffect{EventClipboardChange, item},
		broadcastEffect{payload: sealed},
	})
	return nil
}

// handleClipboard delivers an inbound clipboard payload and relays it onward
// so single-link meshes still converge. The dedupe register is checked and
// advanced before any side effect; a payload seen twice does nothing at all.
func (e *Engine) handleClipboard(payload []byte, source net.Addr) []effect {
	clusterKey := e.registry.ClusterKey()
	if len(clusterKey) == 0 {
		e.logger.Debug("drop clipboard message while unjoined")
		return nil
	}

	var message protocol.ClipboardMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		e.logger.Debug("drop malformed clipboard message", zap.Error(err))
		return nil
	}
	sealed, err := base64.StdEncoding.DecodeString(message.Data)
	if err != nil {
		e.logger.Debug("drop clipboard message with undecodable data", zap.Error(err))
		return nil
	}
	plaintext, err := crypto.Decrypt(clusterKey, sealed)
	if err != nil {
		e.logger.Debug("drop clipboard message from foreign cluster", zap.Error(err))
		return nil
	}

	var content models.ClipboardPayload
	if err := json.Unmarshal(plaintext, &content); err != nil {
		e.logger.Debug("drop undecodable clipboard payload", zap.Error(err))
		return nil
	}
	if content.SenderID == e.options.DeviceID {
		return nil
	}
	if !e.advanceContentSignature(content.ContentSignature()) {
		return nil
	}

	item := models.ClipboardItem{
		Payload:    content,
		ReceivedAt: e.clock.Now().Unix(),
	}
	effects := []effect{
		saveHistoryEffect{item: item},
		emitEffect{EventClipboardChange, item},
	}

	sourceAddr, _, _ := e.sourceAddress(source)
	if len(content.Files) > 0 {
		effects = append(effects, e.fileAnnouncementEffects(content, sourceAddr)...)
	} else {
		effects = append(effects,
			writeClipboardEffect{content: models.ClipboardContent{Text: content.Text}},
			notifyEffect{title: "Clipboard Received", body: fmt.Sprintf("From %s", content.Sender)},
		)
	}

	// Re-seal with a fresh nonce before relaying so the bytes on the wire
	// differ hop to hop.
	if relay, err := e.sealClipboard(content); err == nil {
		effects = append(effects, broadcastEffect{payload: relay, exclude: sourceAddr})
	} else {
		e.reportError(fmt.Errorf("reseal relay payload: %w", err))
	}
	return effects
}

// DeleteHistory removes one history entry locally and tells the mesh to do
// the same.
func (e *Engine) DeleteHistory(ctx context.Context, id string) error {
	if err := e.store.DeleteHistoryItem(id); err != nil {
		return fmt.Errorf("delete history %s: %w", id, err)
	}

	effects := []effect{emitEffect{EventHistoryDelete, id}}
	if payload := e.encodeOrReport(protocol.HistoryDelete{
		Type: protocol.TypeHistoryDelete,
		ID:   id,
	}); payload != nil {
		effects = append(effects, broadcastEffect{payload: payload})
	}
	e.applyEffects(effects)
	return nil
}

// handleHistoryDelete applies a propagated deletion. It is not re-broadcast;
// every device hears the originator directly.
func (e *Engine) handleHistoryDelete(payload []byte, source net.Addr) []effect {
	var message protocol.HistoryDelete
	if err := json.Unmarshal(payload, &message); err != nil {
		e.logger.Debug("drop malformed history delete", zap.Error(err))
		return nil
	}
	if message.ID == "" {
		return nil
	}
	return []effect{
		deleteHistoryEffect{id: message.ID},
		emitEffect{EventHistoryDelete, message.ID},
	}
}

// History returns the newest history entries.
func (e *Engine) History(limit int) ([]models.ClipboardItem, error) {
	if limit <= 0 || limit > e.options.HistoryLimit {
		limit = e.options.HistoryLimit
	}
	return e.store.ListHistory(limit)
}

func (e *Engine) sealClipboard(content models.ClipboardPayload) ([]byte, error) {
	clusterKey := e.registry.ClusterKey()
	if len(clusterKey) == 0 {
		return nil, ErrNoClusterKey
	}
	plaintext, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal clipboard payload: %w", err)
	}
	sealed, err := crypto.Encrypt(clusterKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal clipboard payload: %w", err)
	}
	return protocol.EncodeJSON(protocol.ClipboardMessage{
		Type: protocol.TypeClipboard,
		Data: base64.StdEncoding.EncodeToString(sealed),
	})
}

func (e *Engine) setContentSignature(signature string) {
	e.lastContentMu.Lock()
	e.lastContent = signature
	e.lastContentMu.Unlock()
}

// advanceContentSignature reports whether the signature is new, advancing
// the register when it is.
func (e *Engine) advanceContentSignature(signature string) bool {
	e.lastContentMu.Lock()
	defer e.lastContentMu.Unlock()
	if e.lastContent == signature {
		return false
	}
	e.lastContent = signature
	return true
}
