package coordinator

import (
	"fmt"
	"strconv"
	"strings"

	"yqhp/mcpi/internal/collective"
)

// Placeholders used when the transport cannot describe itself.
const (
	NullCommName   = "NULL_COMMNAME"
	NullProcName   = "NULL_PROCNAME"
	NullLibVersion = "NULL_LIB_VERSION"
	NullAPIVersion = "NULL"
)

// TaskName formats a member identity as group.rank@host.
func TaskName(group string, rank int, host string) string {
	if group == "" {
		group = NullCommName
	}
	if host == "" {
		host = NullProcName
	}
	var sb strings.Builder
	sb.WriteString(group)
	sb.WriteByte('.')
	sb.WriteString(strconv.Itoa(rank))
	sb.WriteByte('@')
	sb.WriteString(host)
	return sb.String()
}

// VersionString formats a transport description as "lib API(x.y)".
// An empty api prints as NULL.
func VersionString(lib, api string) string {
	if lib == "" {
		lib = NullLibVersion
	}
	if api == "" {
		api = NullAPIVersion
	}
	return fmt.Sprintf("%s API(%s)", lib, api)
}

// describe queries t for the names printed in banners and reports.
func describe(t collective.Transport, rank int) (task, version string) {
	group, err := t.Name()
	if err != nil {
		group = ""
	}
	host, err := t.ProcessorName()
	if err != nil {
		host = ""
	}
	lib, err := t.LibraryVersion()
	if err != nil {
		lib = ""
	}
	var api string
	if major, minor, err := t.APIVersion(); err == nil {
		api = fmt.Sprintf("%d.%d", major, minor)
	}
	return TaskName(group, rank, host), VersionString(lib, api)
}
