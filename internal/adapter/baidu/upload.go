package baidu

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/transport"
)

// UploadFile runs precreate, uploads the slices the server asks for and
// commits them with create. Empty files are rejected before any request.
func (c *Client) UploadFile(ctx context.Context, localPath, remotePath string, opts adapter.UploadOptions) (*adapter.RemoteObject, error) {
	const op = "upload file"
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("open upload source: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat upload source: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil, adapter.NewError(adapter.ErrValidation, op, fmt.Errorf("%s is empty", localPath))
	}

	blocks, err := sliceHashes(f, c.sliceSize)
	if err != nil {
		return nil, err
	}
	blockList, _ := json.Marshal(blocks)
	remotePath = adapter.JoinPath(remotePath)

	mtime := opts.ModTime
	if mtime.IsZero() {
		mtime = info.ModTime()
	}
	localMtime := strconv.FormatInt(mtime.Unix(), 10)

	pre, err := c.precreate(ctx, remotePath, size, string(blockList), localMtime)
	if err != nil {
		return nil, err
	}
	needed := pre.BlockList
	if len(needed) == 0 {
		needed = []int{0}
	}
	c.logger.Debug("precreate done",
		zap.String("path", remotePath), zap.Int("slices", len(blocks)), zap.Int("needed", len(needed)))

	buf := make([]byte, c.sliceSize)
	var sent int64
	for _, seq := range needed {
		if seq < 0 || seq >= len(blocks) {
			return nil, adapter.NewError(adapter.ErrTransport, op, fmt.Errorf("server asked for slice %d of %d", seq, len(blocks)))
		}
		n, err := readSlice(f, buf, int64(seq)*c.sliceSize, size)
		if err != nil {
			return nil, err
		}
		if err := c.uploadSlice(ctx, remotePath, pre.UploadID, seq, buf[:n]); err != nil {
			return nil, err
		}
		sent += int64(n)
		if opts.Progress != nil {
			opts.Progress(sent, size)
		}
	}

	form := url.Values{
		"path":        {remotePath},
		"size":        {strconv.FormatInt(size, 10)},
		"isdir":       {"0"},
		"rtype":       {"3"},
		"uploadid":    {pre.UploadID},
		"block_list":  {string(blockList)},
		"local_mtime": {localMtime},
	}
	var created fileEntry
	if err := c.call(ctx, "create file", formRequest(c.fileURL("create", nil), form), &created); err != nil {
		return nil, err
	}
	if created.LocalMtime == 0 {
		created.LocalMtime = mtime.Unix()
	}
	if created.Path == "" {
		created.Path = remotePath
	}
	if created.ServerFilename == "" {
		created.ServerFilename = path.Base(created.Path)
	}
	obj := created.toRemote()
	return &obj, nil
}

type precreateResult struct {
	UploadID   string `json:"uploadid"`
	ReturnType int    `json:"return_type"`
	BlockList  []int  `json:"block_list"`
}

func (c *Client) precreate(ctx context.Context, remotePath string, size int64, blockList, localMtime string) (*precreateResult, error) {
	form := url.Values{
		"path":        {remotePath},
		"size":        {strconv.FormatInt(size, 10)},
		"isdir":       {"0"},
		"autoinit":    {"1"},
		"rtype":       {"3"},
		"block_list":  {blockList},
		"local_mtime": {localMtime},
	}
	var res precreateResult
	if err := c.call(ctx, "precreate", formRequest(c.fileURL("precreate", nil), form), &res); err != nil {
		return nil, err
	}
	if res.UploadID == "" {
		return nil, adapter.NewError(adapter.ErrTransport, "precreate", fmt.Errorf("no uploadid in response"))
	}
	return &res, nil
}

func (c *Client) uploadSlice(ctx context.Context, remotePath, uploadID string, seq int, data []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", path.Base(remotePath))
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	q := url.Values{
		"method":   {"upload"},
		"type":     {"tmpfile"},
		"path":     {remotePath},
		"uploadid": {uploadID},
		"partseq":  {strconv.Itoa(seq)},
	}
	req := &transport.Request{
		Method:  http.MethodPost,
		URL:     c.pcsBase + "/rest/2.0/pcs/superfile2?" + q.Encode(),
		Header:  http.Header{"Content-Type": []string{mw.FormDataContentType()}},
		Body:    body.Bytes(),
		Timeout: 2 * time.Minute,
	}
	var res struct {
		MD5 string `json:"md5"`
	}
	if err := c.call(ctx, fmt.Sprintf("upload slice %d", seq), req, &res); err != nil {
		return err
	}
	if want := md5Hex(data); res.MD5 != "" && res.MD5 != want {
		return adapter.NewError(adapter.ErrTransport, "upload slice",
			fmt.Errorf("slice %d checksum mismatch: sent %s, server has %s", seq, want, res.MD5))
	}
	return nil
}

// sliceHashes returns the hex MD5 of every slice of r.
func sliceHashes(r io.ReadSeeker, sliceSize int64) ([]string, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var hashes []string
	for {
		h := md5.New()
		n, err := io.CopyN(h, r, sliceSize)
		if n > 0 {
			hashes = append(hashes, hex.EncodeToString(h.Sum(nil)))
		}
		if err == io.EOF {
			return hashes, nil
		}
		if err != nil {
			return nil, fmt.Errorf("hash upload source: %w", err)
		}
	}
}

func readSlice(f io.ReaderAt, buf []byte, offset, size int64) (int, error) {
	n := int64(len(buf))
	if size-offset < n {
		n = size - offset
	}
	read, err := f.ReadAt(buf[:n], offset)
	if err != nil && !(err == io.EOF && int64(read) == n) {
		return 0, fmt.Errorf("read slice at %d: %w", offset, err)
	}
	return read, nil
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
