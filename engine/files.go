package engine

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"clipmesh/crypto"
	"clipmesh/models"
	"clipmesh/protocol"
	"clipmesh/storage"
	"clipmesh/transport"
)

// FileReceipt describes one file that finished arriving.
type FileReceipt struct {
	BatchID   string `json:"batch_id"`
	FileIndex int    `json:"file_index"`
	FileName  string `json:"file_name"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
}

// ShareFiles announces a batch of local files to the mesh. The bytes stay
// put; peers pull each file on demand with a FileRequest. Unreadable paths
// are reported but do not block the readable ones.
func (e *Engine) ShareFiles(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	var invalid *multierror.Error
	var files []models.FileMeta
	var valid []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			invalid = multierror.Append(invalid, fmt.Errorf("share %s: %w", path, err))
			continue
		}
		if info.IsDir() {
			invalid = multierror.Append(invalid, fmt.Errorf("share %s: directories are not shareable", path))
			continue
		}
		meta := models.FileMeta{Name: filepath.Base(path), Size: info.Size()}
		if detected, err := mimetype.DetectFile(path); err == nil {
			meta.ContentType = detected.String()
		}
		files = append(files, meta)
		valid = append(valid, path)
	}
	if len(files) == 0 {
		return invalid.ErrorOrNil()
	}

	batchID := uuid.NewString()
	e.outgoingBatches.Add(batchID, valid)

	for i, meta := range files {
		if err := e.store.RecordTransfer(storage.TransferRecord{
			BatchID:   batchID,
			FileIndex: i,
			Direction: storage.TransferDirectionSend,
			FileName:  meta.Name,
			FileSize:  meta.Size,
			Status:    storage.TransferStatusPending,
		}); err != nil {
			e.reportError(fmt.Errorf("record outgoing transfer: %w", err))
		}
	}

	payload := models.ClipboardPayload{
		ID:        uuid.NewString(),
		Timestamp: e.clock.Now().UnixMilli(),
		Sender:    e.options.Hostname,
		SenderID:  e.options.DeviceID,
		Files:     files,
		BatchID:   batchID,
	}
	if err := e.sharePayload(payload); err != nil {
		return err
	}
	return invalid.ErrorOrNil()
}

// RequestFile pulls one file of a staged announcement from the peer that
// shared it.
func (e *Engine) RequestFile(ctx context.Context, peerID, batchID string, fileIndex int) error {
	announcement, ok := e.incomingBatches.Get(batchID)
	if !ok {
		return fmt.Errorf("request batch %s: %w", batchID, ErrBatchNotFound)
	}
	if fileIndex < 0 || fileIndex >= len(announcement.Files) {
		return fmt.Errorf("request batch %s: file index %d out of range", batchID, fileIndex)
	}
	peer, ok := e.registry.RuntimePeer(peerID)
	if !ok {
		return fmt.Errorf("request from %s: %w", peerID, ErrPeerNotFound)
	}

	request, err := e.sealFileRequest(batchID, fileIndex)
	if err != nil {
		return err
	}

	meta := announcement.Files[fileIndex]
	if err := e.store.RecordTransfer(storage.TransferRecord{
		BatchID:   batchID,
		FileIndex: fileIndex,
		Direction: storage.TransferDirectionReceive,
		FileName:  meta.Name,
		FileSize:  meta.Size,
		PeerID:    peerID,
		Status:    storage.TransferStatusPending,
	}); err != nil {
		e.reportError(fmt.Errorf("record incoming transfer: %w", err))
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.options.SendTimeout)
	defer cancel()
	if err := e.trans.SendMessage(sendCtx, peer.Addr(), request); err != nil {
		return fmt.Errorf("request file from %s: %w", peer.Addr(), err)
	}
	return nil
}

// AcceptFiles pulls every file of a staged announcement.
func (e *Engine) AcceptFiles(ctx context.Context, batchID string) error {
	announcement, ok := e.incomingBatches.Get(batchID)
	if !ok {
		return fmt.Errorf("accept batch %s: %w", batchID, ErrBatchNotFound)
	}

	var errs *multierror.Error
	for i := range announcement.Files {
		if err := e.RequestFile(ctx, announcement.SenderID, batchID, i); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// fileAnnouncementEffects stages an inbound file announcement and either
// auto-requests the batch or surfaces it to the user.
func (e *Engine) fileAnnouncementEffects(content models.ClipboardPayload, sourceAddr string) []effect {
	if content.BatchID == "" {
		e.logger.Debug("drop file announcement without batch id",
			zap.String("sender_id", content.SenderID))
		return nil
	}
	e.incomingBatches.Add(content.BatchID, content)

	var totalSize int64
	for _, meta := range content.Files {
		totalSize += meta.Size
	}

	if !e.options.AutoAcceptFiles || totalSize > e.options.AutoAcceptLimit {
		return []effect{notifyEffect{
			title: "Files Available",
			body:  fmt.Sprintf("%s shared %d file(s)", content.Sender, len(content.Files)),
		}}
	}

	var effects []effect
	for i, meta := range content.Files {
		request, err := e.sealFileRequest(content.BatchID, i)
		if err != nil {
			e.reportError(fmt.Errorf("seal auto-accept request: %w", err))
			continue
		}
		effects = append(effects,
			recordTransferEffect{record: storage.TransferRecord{
				BatchID:   content.BatchID,
				FileIndex: i,
				Direction: storage.TransferDirectionReceive,
				FileName:  meta.Name,
				FileSize:  meta.Size,
				PeerID:    content.SenderID,
				Status:    storage.TransferStatusPending,
			}},
			sendEffect{address: sourceAddr, payload: request},
		)
	}
	return effects
}

// handleFileRequest answers a pull for one file of a batch this device
// shared. Requests for evicted or unknown batches are dropped; a peer
// re-requesting an old announcement is routine, not an error.
func (e *Engine) handleFileRequest(payload []byte, source net.Addr) []effect {
	clusterKey := e.registry.ClusterKey()
	if len(clusterKey) == 0 {
		e.logger.Debug("drop file request while unjoined")
		return nil
	}

	var message protocol.FileRequest
	if err := json.Unmarshal(payload, &message); err != nil {
		e.logger.Debug("drop malformed file request", zap.Error(err))
		return nil
	}
	sealed, err := base64.StdEncoding.DecodeString(message.Data)
	if err != nil {
		e.logger.Debug("drop file request with undecodable data", zap.Error(err))
		return nil
	}
	plaintext, err := crypto.Decrypt(clusterKey, sealed)
	if err != nil {
		e.logger.Debug("drop file request from foreign cluster", zap.Error(err))
		return nil
	}
	var request protocol.FileRequestPayload
	if err := json.Unmarshal(plaintext, &request); err != nil {
		e.logger.Debug("drop undecodable file request payload", zap.Error(err))
		return nil
	}

	paths, ok := e.outgoingBatches.Get(request.BatchID)
	if !ok {
		e.logger.Debug("drop request for unknown batch", zap.String("batch_id", request.BatchID))
		return nil
	}
	if request.FileIndex < 0 || request.FileIndex >= len(paths) {
		e.logger.Debug("drop request with out-of-range index",
			zap.String("batch_id", request.BatchID), zap.Int("file_index", request.FileIndex))
		return nil
	}

	addrKey, _, _ := e.sourceAddress(source)
	return []effect{streamFileEffect{
		address:   addrKey,
		batchID:   request.BatchID,
		fileIndex: request.FileIndex,
		path:      paths[request.FileIndex],
	}}
}

// streamFile pushes one file to the requester: a freshness-token header
// line, then the raw bytes.
func (e *Engine) streamFile(address, batchID string, fileIndex int, path string) error {
	file, err := os.Open(path)
	if err != nil {
		e.markTransferFailed(batchID, fileIndex, storage.TransferDirectionSend)
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		e.markTransferFailed(batchID, fileIndex, storage.TransferDirectionSend)
		return fmt.Errorf("stat %s: %w", path, err)
	}

	token, err := crypto.NewFreshnessToken(e.registry.ClusterKey())
	if err != nil {
		e.markTransferFailed(batchID, fileIndex, storage.TransferDirectionSend)
		return fmt.Errorf("mint stream token: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(e.ctx, e.options.SendTimeout)
	stream, err := e.trans.OpenFileStream(dialCtx, address)
	cancel()
	if err != nil {
		e.markTransferFailed(batchID, fileIndex, storage.TransferDirectionSend)
		return fmt.Errorf("open stream to %s: %w", address, err)
	}

	err = protocol.WriteFileHeader(stream, protocol.FileStreamHeader{
		BatchID:   batchID,
		FileIndex: fileIndex,
		FileName:  filepath.Base(path),
		FileSize:  info.Size(),
		AuthToken: token,
	})
	if err == nil {
		_, err = io.Copy(stream, file)
	}
	if closeErr := stream.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		e.markTransferFailed(batchID, fileIndex, storage.TransferDirectionSend)
		return fmt.Errorf("stream %s to %s: %w", path, address, err)
	}

	if err := e.store.UpdateTransferStatus(batchID, fileIndex,
		storage.TransferDirectionSend, storage.TransferStatusComplete, ""); err != nil {
		e.reportError(fmt.Errorf("finish outgoing transfer: %w", err))
	}
	return nil
}

// receiveFileStream consumes one inbound file stream into the downloads
// directory. The header's freshness token must verify against the cluster
// key; a stream without a live token is discarded unread.
func (e *Engine) receiveFileStream(inbound transport.InboundFile) {
	defer inbound.Reader.Close()

	reader := bufio.NewReader(inbound.Reader)
	header, err := protocol.ReadFileHeader(reader)
	if err != nil {
		e.reportError(fmt.Errorf("read file stream header: %w", err))
		return
	}

	if !crypto.VerifyFreshnessToken(e.registry.ClusterKey(), header.AuthToken) {
		e.logger.Warn("reject file stream with stale or invalid token",
			zap.String("source", inbound.Source.String()),
			zap.String("batch_id", header.BatchID))
		return
	}
	if header.FileSize < 0 {
		e.logger.Warn("reject file stream with negative size",
			zap.String("batch_id", header.BatchID))
		return
	}

	name, ok := sanitizeFileName(header.FileName)
	if !ok {
		e.logger.Warn("reject file stream with unusable name",
			zap.String("file_name", header.FileName))
		return
	}

	target, out, err := createUnique(e.options.DownloadsDir, name)
	if err != nil {
		e.reportError(fmt.Errorf("create download target: %w", err))
		return
	}

	written, err := io.Copy(out, io.LimitReader(reader, header.FileSize))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil || written != header.FileSize {
		os.Remove(target)
		e.markTransferFailed(header.BatchID, header.FileIndex, storage.TransferDirectionReceive)
		e.logger.Warn("incomplete file stream",
			zap.String("batch_id", header.BatchID),
			zap.Int64("expected", header.FileSize),
			zap.Int64("written", written),
			zap.Error(err))
		return
	}

	if err := e.store.UpdateTransferStatus(header.BatchID, header.FileIndex,
		storage.TransferDirectionReceive, storage.TransferStatusComplete, target); err != nil {
		e.reportError(fmt.Errorf("finish incoming transfer: %w", err))
	}

	e.applyEffects([]effect{
		emitEffect{EventFileReceived, FileReceipt{
			BatchID:   header.BatchID,
			FileIndex: header.FileIndex,
			FileName:  name,
			Path:      target,
			Size:      written,
		}},
		notifyEffect{title: "File Received", body: name},
		writeClipboardEffect{content: models.ClipboardContent{FilePaths: []string{target}}},
	})
}

// Transfers returns recent transfer bookkeeping rows.
func (e *Engine) Transfers(limit int) ([]storage.TransferRecord, error) {
	return e.store.ListTransfers(limit)
}

func (e *Engine) sealFileRequest(batchID string, fileIndex int) ([]byte, error) {
	clusterKey := e.registry.ClusterKey()
	if len(clusterKey) == 0 {
		return nil, ErrNoClusterKey
	}
	plaintext, err := json.Marshal(protocol.FileRequestPayload{
		BatchID:   batchID,
		FileIndex: fileIndex,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal file request: %w", err)
	}
	sealed, err := crypto.Encrypt(clusterKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal file request: %w", err)
	}
	return protocol.EncodeJSON(protocol.FileRequest{
		Type: protocol.TypeFileRequest,
		Data: base64.StdEncoding.EncodeToString(sealed),
	})
}

func (e *Engine) markTransferFailed(batchID string, fileIndex int, direction string) {
	if err := e.store.UpdateTransferStatus(batchID, fileIndex, direction,
		storage.TransferStatusFailed, ""); err != nil {
		e.reportError(fmt.Errorf("mark transfer failed: %w", err))
	}
}

// sanitizeFileName strips any directory component from a sender-supplied
// file name.
func sanitizeFileName(raw string) (string, bool) {
	name := filepath.Base(strings.ReplaceAll(raw, "\\", "/"))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return "", false
	}
	return name, true
}

// createUnique opens a new file under dir, suffixing the name until it does
// not collide with an existing download.
func createUnique(dir, name string) (string, *os.File, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for attempt := 0; attempt < 100; attempt++ {
		candidate := name
		if attempt > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, attempt, ext)
		}
		target := filepath.Join(dir, candidate)
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return target, out, nil
		}
		if !os.IsExist(err) {
			return "", nil, err
		}
	}
	return "", nil, fmt.Errorf("no free name for %s in %s", name, dir)
}
