package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/maplibre/martin-sub002/internal/fonts"
)

// handleSprite serves GET /sprite/{id}[@2x].{json,png} and its SDF
// counterpart. The extension picks JSON index vs PNG atlas; "@2x" in the
// id picks pixel density.
func (s *Server) handleSprite(sdf bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw := c.Param("id")
		ext := "png"
		if strings.HasSuffix(raw, ".json") {
			ext = "json"
			raw = strings.TrimSuffix(raw, ".json")
		} else {
			raw = strings.TrimSuffix(raw, ".png")
		}

		dpi := 1
		id := raw
		if strings.HasSuffix(raw, "@2x") {
			dpi = 2
			id = strings.TrimSuffix(raw, "@2x")
		}

		pngBytes, jsonBytes, err := s.sprites.Get(c.Request().Context(), id, dpi, sdf)
		if err != nil {
			return mapError(c, err)
		}
		if ext == "json" {
			return c.Blob(http.StatusOK, "application/json", jsonBytes)
		}
		return c.Blob(http.StatusOK, "image/png", pngBytes)
	}
}

// handleFont serves GET /font/{fontstack}/{start}-{end}[.pbf].
func (s *Server) handleFont(c echo.Context) error {
	fontstack := c.Param("fontstack")
	start, end, err := fonts.ParseRange(c.Param("range"))
	if err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	data, err := s.fonts.Get(c.Request().Context(), fontstack, start, end)
	if err != nil {
		return mapError(c, err)
	}
	return c.Blob(http.StatusOK, "application/x-protobuf", data)
}

// handleStyle serves GET /style/{id}: a MapLibre style JSON document, read
// straight off disk through the styles store.
func (s *Server) handleStyle(c echo.Context) error {
	id := strings.TrimSuffix(c.Param("id"), ".json")
	data, err := s.styles.Get(c.Request().Context(), id)
	if err != nil {
		return mapError(c, err)
	}
	return c.Blob(http.StatusOK, "application/json", data)
}
