// Attachment download.
//
// Telegram hands out transient file ids; turning one into bytes is a
// two-step protocol. The 20 MiB cap is enforced twice — against the size the
// platform declares and against the bytes actually received — because a
// declared size field can lie.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tbourn/go-relay-backend/internal/domain"
)

// MaxFileBytes is Telegram's bot-API file size limit, enforced on both the
// declared and the received size.
const MaxFileBytes = 20 * 1024 * 1024

// ErrFileTooLarge reports a file over the download cap.
var ErrFileTooLarge = errors.New("file exceeds size limit")

// DownloadFile resolves fileID to raw bytes:
//  1. getFile maps the transient id to a storage path and declared size;
//     a not-ok response or an oversized declaration is fatal for this file.
//  2. the CDN path is fetched and the received byte count re-checked.
func (r *Relay) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	lookupURL := fmt.Sprintf("%s/bot%s/getFile?file_id=%s", r.apiBase, r.token, url.QueryEscape(fileID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build getFile request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("getFile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("getFile returned status %d", resp.StatusCode)
	}

	var apiResp tgbotapi.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode getFile response: %w", err)
	}
	if !apiResp.Ok {
		return nil, fmt.Errorf("getFile not ok: %s", apiResp.Description)
	}

	var file tgbotapi.File
	if err := json.Unmarshal(apiResp.Result, &file); err != nil {
		return nil, fmt.Errorf("decode file metadata: %w", err)
	}
	if file.FileSize > MaxFileBytes {
		return nil, fmt.Errorf("%w: declared %d bytes (max %d)", ErrFileTooLarge, file.FileSize, MaxFileBytes)
	}

	downloadURL := fmt.Sprintf("%s/file/bot%s/%s", r.apiBase, r.token, file.FilePath)
	fileReq, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	fileResp, err := r.client.Do(fileReq)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer fileResp.Body.Close()

	if fileResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned status %d", fileResp.StatusCode)
	}

	// Read one extra byte past the cap so truncation is distinguishable from
	// a file that is exactly at the limit.
	data, err := io.ReadAll(io.LimitReader(fileResp.Body, MaxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read file bytes: %w", err)
	}
	if len(data) > MaxFileBytes {
		return nil, fmt.Errorf("%w: received more than %d bytes", ErrFileTooLarge, MaxFileBytes)
	}

	return data, nil
}

// BuildAttachments downloads every extracted file independently. A failure
// on one file (network error, size violation, platform error) is logged and
// that file is dropped; it never aborts the remaining attachments or the
// message's text. Successful downloads are audited when a sink is set.
func (r *Relay) BuildAttachments(ctx context.Context, infos []FileInfo, senderID string) []domain.Attachment {
	attachments := make([]domain.Attachment, 0, len(infos))
	for _, info := range infos {
		data, err := r.DownloadFile(ctx, info.FileID)
		if err != nil {
			r.logger.Warn().Err(err).
				Str("file_id", info.FileID).
				Str("kind", string(info.Kind)).
				Msg("attachment download failed, skipping")
			continue
		}

		attachments = append(attachments, domain.Attachment{
			Kind:     info.Kind,
			FileID:   info.FileID,
			MimeType: info.MimeType,
			FileName: info.FileName,
			Size:     int64(len(data)),
			Data:     data,
		})

		if r.Audit != nil {
			r.Audit.Log(domain.AuditEvent{
				Type:      domain.AuditFileDownload,
				Action:    "file_download",
				Result:    "success",
				RiskLevel: domain.RiskInfo,
				Details: map[string]any{
					"file_type": string(info.Kind),
					"mime_type": info.MimeType,
					"file_name": info.FileName,
					"file_size": len(data),
					"sender_id": senderID,
				},
			})
		}
	}
	return attachments
}
