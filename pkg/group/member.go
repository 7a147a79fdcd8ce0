package group

import (
	"cmp"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Member identifies one participant of the group. Members are comparable and
// can be used as map keys; a restarted node comes back with a new Incarnation
// and is therefore a different Member.
type Member struct {
	Name        string `json:"name"`
	Addr        string `json:"addr"`
	Incarnation string `json:"incarnation"`
	Since       int64  `json:"since"` // join order key, lower joined earlier
}

// NewMember creates a member with a fresh incarnation that joined now.
func NewMember(name, addr string) Member {
	return Member{
		Name:        name,
		Addr:        addr,
		Incarnation: uuid.New().String(),
		Since:       time.Now().UnixNano(),
	}
}

func (m Member) String() string {
	if len(m.Incarnation) >= 8 {
		return fmt.Sprintf("%s/%s", m.Name, m.Incarnation[:8])
	}
	return m.Name
}

// HostPort returns the host:port part of a tcp:// address, or of a bare
// host:port address.
func (m Member) HostPort() (string, bool) {
	addr := m.Addr
	if scheme, rest, ok := strings.Cut(addr, "://"); ok {
		if scheme != "tcp" {
			return "", false
		}
		addr = rest
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", false
	}
	return addr, true
}

// IsZero reports whether m is the zero Member.
func (m Member) IsZero() bool {
	return m == Member{}
}

// CompareJoinOrder orders members by join time, then name, then incarnation.
func CompareJoinOrder(a, b Member) int {
	return cmp.Or(
		cmp.Compare(a.Since, b.Since),
		cmp.Compare(a.Name, b.Name),
		cmp.Compare(a.Incarnation, b.Incarnation),
	)
}

// View is an ordered membership snapshot. Members are sorted in join order,
// so the first member is the coordinator.
type View struct {
	ID      uint64   `json:"id"`
	Members []Member `json:"members"`
}

// NewView builds a view from members in any order.
func NewView(id uint64, members []Member) View {
	sorted := slices.Clone(members)
	slices.SortFunc(sorted, CompareJoinOrder)
	return View{ID: id, Members: sorted}
}

// Coordinator returns the oldest member of the view.
func (v View) Coordinator() (Member, bool) {
	if len(v.Members) == 0 {
		return Member{}, false
	}
	return v.Members[0], true
}

// Contains reports whether m is part of the view.
func (v View) Contains(m Member) bool {
	return slices.Contains(v.Members, m)
}

// Size returns the number of members.
func (v View) Size() int {
	return len(v.Members)
}

// Diff returns the members present in next but not in prev, and those present
// in prev but missing from next.
func Diff(prev, next View) (added, removed []Member) {
	for _, m := range next.Members {
		if !prev.Contains(m) {
			added = append(added, m)
		}
	}
	for _, m := range prev.Members {
		if !next.Contains(m) {
			removed = append(removed, m)
		}
	}
	return added, removed
}
