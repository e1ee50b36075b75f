package session

import (
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/xulek/rustsocks/model"
)

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func toRow(s *model.Session) sessionRow {
	srcIP, srcPort := splitHostPort(s.SourceAddr)
	dstIP, dstPort := splitHostPort(s.DestAddr)

	row := sessionRow{
		SessionID:       s.ID.String(),
		User:            s.Username,
		StartTime:       s.StartTime.Format(isoLayout),
		SourceIP:        srcIP,
		SourcePort:      srcPort,
		DestIP:          dstIP,
		DestPort:        dstPort,
		Protocol:        string(s.Protocol),
		BytesSent:       s.BytesSent,
		BytesReceived:   s.BytesReceived,
		PacketsSent:     s.PacketsSent,
		PacketsReceived: s.PacketsReceived,
		Status:          string(s.Status),
		AclDecision:     string(s.AclDecision),
		AclRuleMatched:  s.AclRuleMatched,
	}
	if s.EndTime != nil {
		et := s.EndTime.Format(isoLayout)
		row.EndTime = &et
	}
	row.DurationSecs = s.DurationSecs
	if s.CloseReason != nil {
		cr := string(*s.CloseReason)
		row.CloseReason = &cr
	}
	return row
}

func fromRow(r sessionRow) *model.Session {
	id, _ := uuid.Parse(r.SessionID)
	startTime, _ := time.Parse(isoLayout, r.StartTime)

	s := &model.Session{
		ID:              id,
		Username:        r.User,
		SourceAddr:      joinHostPort(r.SourceIP, r.SourcePort),
		DestAddr:        joinHostPort(r.DestIP, r.DestPort),
		Protocol:        model.Transport(r.Protocol),
		StartTime:       startTime,
		DurationSecs:    r.DurationSecs,
		BytesSent:       r.BytesSent,
		BytesReceived:   r.BytesReceived,
		PacketsSent:     r.PacketsSent,
		PacketsReceived: r.PacketsReceived,
		Status:          model.SessionStatus(r.Status),
		AclDecision:     model.AclAction(r.AclDecision),
		AclRuleMatched:  r.AclRuleMatched,
	}
	if r.EndTime != nil {
		if et, err := time.Parse(isoLayout, *r.EndTime); err == nil {
			s.EndTime = &et
		}
	}
	if r.CloseReason != nil {
		cr := model.CloseReason(*r.CloseReason)
		s.CloseReason = &cr
	}
	return s
}
