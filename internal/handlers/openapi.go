package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/eval-hub/iteration-hub/internal/executioncontext"
	"github.com/eval-hub/iteration-hub/internal/http_wrappers"
	"github.com/eval-hub/iteration-hub/internal/messages"
)

func readOpenAPISpec() ([]byte, error) {
	// Find the OpenAPI spec file relative to the working directory
	possiblePaths := []string{
		filepath.Join("docs", "openapi.yaml"),
		filepath.Join("..", "..", "docs", "openapi.yaml"),
	}

	var spec []byte
	var err error
	for _, path := range possiblePaths {
		spec, err = os.ReadFile(path)
		if err == nil {
			return spec, nil
		}
	}

	// If file not found, try to find it relative to the executable
	exePath, _ := os.Executable()
	if exePath != "" {
		return os.ReadFile(filepath.Join(filepath.Dir(exePath), "docs", "openapi.yaml"))
	}
	return nil, err
}

func (h *Handlers) HandleOpenAPI(ctx *executioncontext.ExecutionContext, r http_wrappers.RequestWrapper, w http_wrappers.ResponseWrapper) {
	spec, err := readOpenAPISpec()
	if err != nil {
		w.ErrorWithMessageCode(ctx.RequestID, messages.InternalServerError, "Error", "Failed to read OpenAPI spec: "+err.Error())
		return
	}

	// Determine content type based on Accept header
	contentType := "application/yaml"
	if strings.Contains(r.Header("Accept"), "application/json") {
		contentType = "application/json"
	}
	w.SetHeader("Content-Type", contentType)
	w.SetStatusCode(http.StatusOK)
	_, _ = w.Write(spec)
}

func (h *Handlers) HandleDocs(ctx *executioncontext.ExecutionContext, r http_wrappers.RequestWrapper, w http_wrappers.ResponseWrapper) {
	html := `<!DOCTYPE html>
<html>
<head>
  <title>Iteration Hub API Documentation</title>
  <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui.css" />
  <style>
    body {
      margin: 0;
      background: #fafafa;
    }
  </style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui-bundle.js"></script>
  <script src="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui-standalone-preset.js"></script>
  <script>
    window.onload = function() {
      SwaggerUIBundle({
        url: "` + ctx.BaseURL + `/openapi.yaml",
        dom_id: '#swagger-ui',
        deepLinking: true,
        presets: [SwaggerUIBundle.presets.apis, SwaggerUIStandalonePreset],
        layout: "StandaloneLayout"
      });
    };
  </script>
</body>
</html>`

	w.SetHeader("Content-Type", "text/html; charset=utf-8")
	w.SetStatusCode(http.StatusOK)
	_, _ = w.Write([]byte(html))
}
