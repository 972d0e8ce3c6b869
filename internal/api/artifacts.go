package api

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/screentest-io/screentest/internal/identity"
)

// handleGetArtifact handles GET /artifacts/runs/{run_id}/output_canon.mp4
// requests by serving the canonical artifact from the configured root.
//
// Run ids are 64-char hex digests; anything else, including traversal
// attempts, is rejected before touching the filesystem. Missing files are a
// 404, not an error: runs that have not succeeded yet simply have no
// artifact.
func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if !identity.IsDigest(runID) {
		WriteErrorResponse(w, r, s.logger, NotFound("Artifact not found"))

		return
	}

	path := identity.CanonPath(s.config.ArtifactRoot, runID)

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		if err != nil && !os.IsNotExist(err) {
			s.logger.WarnContext(r.Context(), "Artifact stat failed",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
		}

		WriteErrorResponse(w, r, s.logger, NotFound("Artifact not found"))

		return
	}

	// Preset the content type; ServeFile would otherwise fall back to
	// platform mime tables or content sniffing.
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeFile(w, r, path)
}
