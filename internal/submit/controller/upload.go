package controller

import (
	stderrors "errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"hive/internal/common/http/middleware"
	"hive/pkg/errors"

	"github.com/gin-gonic/gin"
)

// multipartOverhead leaves room for form boundaries and headers.
const multipartOverhead = 64 << 10

// readUpload returns the uploaded bytes from either a raw
// application/octet-stream body or the multipart field "file".
func readUpload(c *gin.Context, maxBytes int64) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+multipartOverhead)

	mediaType, _, _ := mime.ParseMediaType(c.GetHeader("Content-Type"))
	var src io.Reader
	if mediaType == "application/octet-stream" {
		src = c.Request.Body
	} else {
		fh, err := c.FormFile("file")
		if err != nil {
			if isTooLarge(err) {
				return nil, errors.Newf(errors.PayloadTooLarge, "upload exceeds %d bytes", maxBytes)
			}
			return nil, errors.New(errors.RequiredFieldEmpty).WithMessage("multipart field \"file\" is required").WithDetail("field", "file")
		}
		if fh.Size > maxBytes {
			return nil, errors.Newf(errors.PayloadTooLarge, "upload exceeds %d bytes", maxBytes)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, errors.Wrapf(err, errors.InvalidParams, "open uploaded file failed")
		}
		defer f.Close()
		src = f
	}

	data, err := io.ReadAll(io.LimitReader(src, maxBytes+1))
	if err != nil {
		if isTooLarge(err) {
			return nil, errors.Newf(errors.PayloadTooLarge, "upload exceeds %d bytes", maxBytes)
		}
		return nil, errors.Wrapf(err, errors.InvalidParams, "read upload failed")
	}
	if int64(len(data)) > maxBytes {
		return nil, errors.Newf(errors.PayloadTooLarge, "upload exceeds %d bytes", maxBytes)
	}
	return data, nil
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return stderrors.As(err, &maxErr)
}

func requireUserID(c *gin.Context) (int64, error) {
	raw := strings.TrimSpace(middleware.UserID(c))
	if raw == "" {
		return 0, errors.New(errors.Unauthorized).WithMessage(middleware.UserIDHeader + " header is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New(errors.Unauthorized).WithMessage(middleware.UserIDHeader + " header must be a positive integer")
	}
	return id, nil
}

func projectIDParam(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("project_id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.ValidationError("project_id", "must be a positive integer")
	}
	return id, nil
}
