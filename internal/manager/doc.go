// Package manager owns the service's single bridge and coordinates its
// lifecycle, admission and NDJSON streaming. It is structured into small
// files by concern:
//
//   - manager.go: core Manager type, constructor, simple getters.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: state types (State, Snapshot).
//   - errors.go: error types and helpers (IsTooBusy, IsModelNotFound,
//     IsDependencyUnavailable) and the mapping from bridge errors.
//   - ensure.go: EnsureReady, lazy single-flight model loading.
//   - admission.go: FIFO queueing in front of the single generation slot.
//   - generate.go: Generate, streaming fragments as NDJSON lines.
//   - status_report.go: Snapshot/Status reporting helpers.
//   - unload.go: Close, draining and disposal.
//   - events.go, eventpub_memory.go: lifecycle events.
//
// External packages should treat this package as the orchestration layer and
// use public methods only (e.g., New/NewWithConfig, Ready, Status, Generate).
package manager
