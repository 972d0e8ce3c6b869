// Artifact layout helpers.
//
// Every run owns an exclusive directory namespace under the artifact root:
//
//	runs/<run_id>/raw/...             provider outputs
//	runs/<run_id>/output_canon.mp4    canonical artifact
//
// The run_id namespace guarantees writer exclusivity: no two runs share a
// directory, so concurrent workers never contend on artifact paths. Always
// build paths through these helpers; handlers that accept a run_id from the
// wire must validate it with IsDigest before touching the filesystem.

package identity

import "path/filepath"

// CanonFileName is the file name of the canonical artifact within a run
// directory.
const CanonFileName = "output_canon.mp4"

// RunDir returns the exclusive directory for a run's artifacts.
func RunDir(root, runID string) string {
	return filepath.Join(root, "runs", runID)
}

// RawDir returns the directory for a run's provider outputs.
func RawDir(root, runID string) string {
	return filepath.Join(RunDir(root, runID), "raw")
}

// CanonPath returns the absolute path of a run's canonical artifact.
func CanonPath(root, runID string) string {
	return filepath.Join(RunDir(root, runID), CanonFileName)
}

// CanonURI returns the store-facing URI of a run's canonical artifact,
// relative to the artifact root. The store persists URIs, not absolute
// paths, so artifact roots can move between hosts.
func CanonURI(runID string) string {
	return filepath.ToSlash(filepath.Join("runs", runID, CanonFileName))
}
