package handlers

import (
	"errors"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"github.com/relaymux/relaymux/internal/media"
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// MediaHandler serves ready assets out of the content-addressed cache.
type MediaHandler struct {
	cache *media.Cache
}

func NewMediaHandler(cache *media.Cache) *MediaHandler {
	return &MediaHandler{cache: cache}
}

func (h *MediaHandler) Register(e *echo.Echo) {
	e.GET("/media/:hash", h.GetAsset)
}

// GetAsset streams the cached bytes for a content hash.
func (h *MediaHandler) GetAsset(c echo.Context) error {
	hash := c.Param("hash")
	if !hashPattern.MatchString(hash) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid content hash")
	}
	reader, asset, err := h.cache.Open(hash)
	if err != nil {
		if errors.Is(err, media.ErrAssetNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "asset not cached")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer reader.Close()

	mime := asset.Mime
	if mime == "" {
		mime = "application/octet-stream"
	}
	return c.Stream(http.StatusOK, mime, reader)
}
