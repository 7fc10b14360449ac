package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Request Size Limits, derived from the attachment and message caps this
// service actually enforces (spec.md attachment upload: 100 MiB file /
// 512 KiB thumbnail; group fan-out multiplies a message body by recipient
// count, so the JSON cap stays well under the file cap).
const (
	// MaxRequestBodySize is the default ceiling for requests that aren't
	// a recognized attachment or JSON route.
	MaxRequestBodySize int64 = 10 * 1024 * 1024 // 10 MiB

	// MaxJSONPayloadSize bounds conversation/message/key-bundle JSON
	// bodies. A base64-encoded ciphertext message plus per-recipient
	// fan-out fields comfortably fits well under 1 MiB; 2 MiB leaves
	// headroom for large group fan-out without admitting attachment-sized
	// bodies through the JSON path.
	MaxJSONPayloadSize int64 = 2 * 1024 * 1024 // 2 MiB

	// MaxThumbnailUploadSize matches the attachment thumbnail cap.
	MaxThumbnailUploadSize int64 = 512 * 1024 // 512 KiB

	// MaxFileUploadSize matches the attachment file cap.
	MaxFileUploadSize int64 = 100 * 1024 * 1024 // 100 MiB
)

// RequestSizeLimiter limits the size of incoming HTTP requests
// to prevent DoS attacks via oversized payloads
func RequestSizeLimiter(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip for GET, HEAD, OPTIONS requests (no body)
		if c.Request.Method == "GET" || c.Request.Method == "HEAD" || c.Request.Method == "OPTIONS" {
			c.Next()
			return
		}

		// Get Content-Length header
		contentLength := c.Request.ContentLength

		// Check if Content-Length exceeds limit
		if contentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":      "Request entity too large",
				"message":    "Request body exceeds maximum allowed size",
				"max_size_mb": float64(maxSize) / (1024 * 1024),
			})
			return
		}

		// Wrap the request body with a LimitReader
		// This prevents reading more than maxSize bytes even if Content-Length is lying
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)

		c.Next()
	}
}

// JSONSizeLimiter limits JSON payload size for API endpoints
func JSONSizeLimiter() gin.HandlerFunc {
	return RequestSizeLimiter(MaxJSONPayloadSize)
}

// FileUploadLimiter limits attachment file upload size (100 MiB cap).
func FileUploadLimiter() gin.HandlerFunc {
	return RequestSizeLimiter(MaxFileUploadSize)
}

// ThumbnailUploadLimiter limits attachment thumbnail upload size (512 KiB cap).
func ThumbnailUploadLimiter() gin.HandlerFunc {
	return RequestSizeLimiter(MaxThumbnailUploadSize)
}

// DefaultSizeLimiter uses the default max request body size
func DefaultSizeLimiter() gin.HandlerFunc {
	return RequestSizeLimiter(MaxRequestBodySize)
}
