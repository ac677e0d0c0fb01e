package engine

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"clipmesh/models"
	"clipmesh/protocol"
	"clipmesh/storage"
)

// effect is one deferred consequence of handling a message. Handlers stay
// free of network and disk I/O and return effects instead; applyEffects
// executes them, with sends going through the bounded pool.
type effect interface {
	apply(e *Engine)
}

// sendEffect delivers one payload to one address.
type sendEffect struct {
	address string
	payload []byte
}

func (ef sendEffect) apply(e *Engine) {
	e.pool.Submit(func() error {
		return e.sendTo(ef.address, ef.payload)
	})
}

// sendSequenceEffect delivers payloads to one address strictly in order.
// Pairing needs this: the Welcome must not overtake the PairResponse.
type sendSequenceEffect struct {
	address  string
	payloads [][]byte
}

func (ef sendSequenceEffect) apply(e *Engine) {
	e.pool.Submit(func() error {
		for _, payload := range ef.payloads {
			if err := e.sendTo(ef.address, payload); err != nil {
				return err
			}
		}
		return nil
	})
}

// broadcastEffect fans one payload out to every runtime peer, resolving the
// target set at execution time. exclude skips the immediate sender's
// address; the local device is always skipped.
type broadcastEffect struct {
	payload []byte
	exclude string
}

func (ef broadcastEffect) apply(e *Engine) {
	for _, peer := range e.registry.RuntimePeers() {
		if peer.ID == e.options.DeviceID {
			continue
		}
		address := peer.Addr()
		if ef.exclude != "" && address == ef.exclude {
			continue
		}
		e.pool.Submit(func() error {
			return e.sendTo(address, ef.payload)
		})
	}
}

type emitEffect struct {
	event   string
	payload any
}

func (ef emitEffect) apply(e *Engine) {
	e.emitter.Emit(ef.event, ef.payload)
}

type notifyEffect struct {
	title string
	body  string
}

func (ef notifyEffect) apply(e *Engine) {
	e.notifier.Notify(ef.title, ef.body)
}

type saveHistoryEffect struct {
	item models.ClipboardItem
}

func (ef saveHistoryEffect) apply(e *Engine) {
	if err := e.store.SaveHistoryItem(ef.item, e.options.HistoryLimit); err != nil {
		e.reportError(fmt.Errorf("save history item: %w", err))
	}
}

type deleteHistoryEffect struct {
	id string
}

func (ef deleteHistoryEffect) apply(e *Engine) {
	if err := e.store.DeleteHistoryItem(ef.id); err != nil {
		e.reportError(fmt.Errorf("delete history item: %w", err))
	}
}

type writeClipboardEffect struct {
	content models.ClipboardContent
}

func (ef writeClipboardEffect) apply(e *Engine) {
	if err := e.clipboard.Write(ef.content); err != nil {
		e.reportError(fmt.Errorf("write clipboard: %w", err))
	}
}

type recordTransferEffect struct {
	record storage.TransferRecord
}

func (ef recordTransferEffect) apply(e *Engine) {
	if err := e.store.RecordTransfer(ef.record); err != nil {
		e.reportError(fmt.Errorf("record transfer: %w", err))
	}
}

// streamFileEffect pushes one requested file back to the requester over a
// dedicated file stream.
type streamFileEffect struct {
	address   string
	batchID   string
	fileIndex int
	path      string
}

func (ef streamFileEffect) apply(e *Engine) {
	e.pool.Submit(func() error {
		return e.streamFile(ef.address, ef.batchID, ef.fileIndex, ef.path)
	})
}

func (e *Engine) applyEffects(effects []effect) {
	for _, ef := range effects {
		ef.apply(e)
	}
}

func (e *Engine) sendTo(address string, payload []byte) error {
	ctx, cancel := context.WithTimeout(e.ctx, e.options.SendTimeout)
	defer cancel()
	if err := e.trans.SendMessage(ctx, address, payload); err != nil {
		return fmt.Errorf("send to %s: %w", address, err)
	}
	return nil
}

// handleMessage dispatches one inbound control message. Errors never
// propagate past this point: a malformed or undecryptable message is
// dropped with a log line and the peer's other traffic is unaffected.
func (e *Engine) handleMessage(payload []byte, source net.Addr) {
	messageType, err := protocol.DecodeMessageType(payload)
	if err != nil {
		e.logger.Debug("drop malformed message",
			zap.String("source", source.String()), zap.Error(err))
		return
	}

	var effects []effect
	switch messageType {
	case protocol.TypeClipboard:
		effects = e.handleClipboard(payload, source)
	case protocol.TypePairRequest:
		effects = e.handlePairRequest(payload, source)
	case protocol.TypePairResponse:
		effects = e.handlePairResponse(payload, source)
	case protocol.TypeWelcome:
		effects = e.handleWelcome(payload, source)
	case protocol.TypePeerDiscovery:
		effects = e.handlePeerDiscovery(payload, source)
	case protocol.TypePeerRemoval:
		effects = e.handlePeerRemoval(payload, source)
	case protocol.TypeHistoryDelete:
		effects = e.handleHistoryDelete(payload, source)
	case protocol.TypeFileRequest:
		effects = e.handleFileRequest(payload, source)
	default:
		e.logger.Debug("drop message with unknown type",
			zap.String("type", messageType), zap.String("source", source.String()))
		return
	}

	e.applyEffects(effects)
}

// encodeOrReport marshals a protocol message, reporting failures. A nil
// return means the message must not be sent.
func (e *Engine) encodeOrReport(message any) []byte {
	payload, err := protocol.EncodeJSON(message)
	if err != nil {
		e.reportError(fmt.Errorf("encode message: %w", err))
		return nil
	}
	return payload
}
