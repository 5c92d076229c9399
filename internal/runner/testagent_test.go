package runner

import (
	"os"
	"path/filepath"
	"testing"
)

// writeFakeAgent installs a stand-in agent binary at AgentBin that answers
// each of the three prompt modes from environment-variable fixtures rather
// than calling a real model, the way a recorded-response double stands in
// for a subprocess runtime under test.
//
//   - PLAN_JSON is echoed verbatim for a NUMERUS_PLAN V1 invocation.
//   - ROLES_JSON is echoed for NUMERUS_ROLES V1 (empty falls back to the
//     keyword heuristic in the runner, on purpose, to exercise that path).
//   - CLAIM_JSON_<TASK_ID> is echoed for a NUMERUS_CLAIM V1 invocation
//     naming that task (task id upper-cased, "-" folded to "_").
//   - EXEC_EXITS_<TASK_ID> is a comma-separated list of exit codes, one per
//     execute attempt for that task (the last entry repeats past its end);
//     EXEC_SLEEP_<TASK_ID> optionally delays the exit to create a window
//     for lock contention or cancellation tests to observe.
//
// Per-task attempt counters live in counterDir so retries can be told apart
// without the agent needing to know its own attempt number.
func writeFakeAgent(t *testing.T) (binPath, counterDir string) {
	t.Helper()
	dir := t.TempDir()
	counterDir = filepath.Join(dir, "counters")
	if err := os.MkdirAll(counterDir, 0o755); err != nil {
		t.Fatalf("mkdir counters: %v", err)
	}
	binPath = filepath.Join(dir, "fakeagent.sh")
	script := `#!/usr/bin/env bash
set -u
IFS= read -r header
task_id=""
while IFS= read -t 0.2 -r line; do
  case "$line" in
    "TASK_ID: "*) task_id="${line#TASK_ID: }" ;;
  esac
done

sanitize() { echo "$1" | tr '[:lower:]-' '[:upper:]_'; }

case "$header" in
  "NUMERUS_PLAN V1")
    printf '%s\n' "${PLAN_JSON:-}"
    ;;
  "NUMERUS_ROLES V1")
    printf '%s\n' "${ROLES_JSON:-}"
    ;;
  "NUMERUS_CLAIM V1")
    key="CLAIM_JSON_$(sanitize "$task_id")"
    printf '%s\n' "${!key:-}"
    ;;
  "NUMERUS_EXECUTE V1")
    cf="` + counterDir + `/$(sanitize "$task_id").cnt"
    n=0
    [ -f "$cf" ] && n=$(cat "$cf")
    n=$((n + 1))
    echo "$n" > "$cf"

    sleepkey="EXEC_SLEEP_$(sanitize "$task_id")"
    sleepsecs="${!sleepkey:-0}"
    if [ "$sleepsecs" != "0" ]; then
      sleep "$sleepsecs"
    fi

    exitskey="EXEC_EXITS_$(sanitize "$task_id")"
    exitsval="${!exitskey:-0}"
    IFS=',' read -ra exits <<< "$exitsval"
    idx=$((n - 1))
    if [ "$idx" -ge "${#exits[@]}" ]; then
      idx=$((${#exits[@]} - 1))
    fi
    echo '{"status":"ok"}'
    exit "${exits[$idx]}"
    ;;
  *)
    echo '{}'
    ;;
esac
exit 0
`
	if err := os.WriteFile(binPath, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake agent: %v", err)
	}
	return binPath, counterDir
}
