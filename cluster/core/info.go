package core

import (
	"fmt"
	"strings"
	"time"

	"asmredis/interface/myredis"
	"asmredis/protocol"
)

var infoSections = []string{"server", "clients", "replication", "cluster", "keyspace"}

// execInfo INFO [section ...]
func execInfo(cluster *Cluster, c myredis.Connection, args CmdLine) myredis.Reply {
	sections := infoSections
	if len(args) > 1 {
		sections = nil
		for _, arg := range args[1:] {
			name := strings.ToLower(string(arg))
			if name == "all" || name == "default" || name == "everything" {
				sections = infoSections
				break
			}
			sections = append(sections, name)
		}
	}
	var b strings.Builder
	for _, section := range sections {
		text := cluster.infoSection(section)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString(text)
	}
	return protocol.MakeBulkReply([]byte(b.String()))
}

func (cluster *Cluster) infoSection(section string) string {
	switch section {
	case "server":
		return fmt.Sprintf("# Server\r\n"+
			"redis_mode:cluster\r\n"+
			"node_id:%s\r\n"+
			"tcp_addr:%s\r\n"+
			"uptime_in_seconds:%d\r\n"+
			"hz:%d\r\n",
			cluster.self, cluster.props.AnnounceAddr(),
			int64(time.Since(cluster.startTime).Seconds()), cluster.Hz())
	case "clients":
		paused := "none"
		if cluster.pause.handoff != "" {
			paused = "slot-handoff"
		} else if cluster.pause.active(cluster.now()) {
			paused = "client-pause"
		}
		return fmt.Sprintf("# Clients\r\n"+
			"connected_clients:%d\r\n"+
			"tracking_clients:%d\r\n"+
			"paused_reason:%s\r\n"+
			"blocked_clients:%d\r\n",
			len(cluster.clients), cluster.tracking, paused, len(cluster.pause.parked))
	case "replication":
		if cluster.following == "" {
			return fmt.Sprintf("# Replication\r\nrole:master\r\nconnected_slaves:%d\r\n", len(cluster.replicas))
		}
		status := "down"
		if link := cluster.master; link != nil && link.stream != nil && link.pending == 0 {
			status = "up"
		}
		return fmt.Sprintf("# Replication\r\n"+
			"role:slave\r\n"+
			"master_node_id:%s\r\n"+
			"master_link_status:%s\r\n"+
			"master_blocked_commands:%d\r\n",
			cluster.following, status, len(cluster.blockedMaster))
	case "cluster":
		return "# Cluster\r\ncluster_enabled:1\r\n" + cluster.asm.InfoString() +
			fmt.Sprintf("cluster_slot_migration_sync_buffer_peak:%d\r\n"+
				"cluster_slot_migration_import_input_buffer:%d\r\n"+
				"cluster_slot_migration_migrate_output_buffer:%d\r\n",
				cluster.asm.PeakSyncBufferSize(), cluster.asm.ImportInputBufferSize(),
				cluster.asm.MigrateOutputBufferSize())
	case "keyspace":
		keys, expires := cluster.db.DBSize()
		if keys == 0 {
			return "# Keyspace\r\n"
		}
		return fmt.Sprintf("# Keyspace\r\ndb0:keys=%d,expires=%d\r\n", keys, expires)
	}
	return ""
}
