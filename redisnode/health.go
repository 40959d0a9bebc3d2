package redisnode

import (
	"github.com/jpalmerr/nodewatch/poll"
)

const linkUp = "up"
const slaveOnline = "online"

// HealthRules builds the Redis rule table from one INFO snapshot. A nil
// snapshot has an unknown role. failing reports that the latest INFO fetch
// failed, so the snapshot is the last good one rather than live data.
func HealthRules(info *Info, failing bool) poll.Rules {
	var repl ReplicationInfo
	if info != nil {
		repl = info.Replication
	}

	return poll.Rules{
		{
			Name:     "role",
			Severity: poll.Critical,
			Reason:   "Unknown role",
			When:     func() bool { return repl.Role == RoleUnknown },
		},
		{
			Name:     "master-link",
			Severity: poll.Warning,
			Reason:   "Master link down",
			When: func() bool {
				return repl.Role == RoleSlave && repl.MasterLinkStatus != linkUp
			},
		},
		{
			Name:     "slaves",
			Severity: poll.Warning,
			Reason:   "Slave offline",
			When: func() bool {
				if repl.Role != RoleMaster {
					return false
				}
				for _, s := range repl.Slaves {
					if s.Status != slaveOnline {
						return true
					}
				}
				return false
			},
		},
		{
			Name:     "connection",
			Severity: poll.Critical,
			Reason:   "Connection failed",
			When:     func() bool { return failing },
		},
	}
}
