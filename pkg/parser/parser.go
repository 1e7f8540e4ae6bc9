package parser

import (
	"encoding/json"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodepulse/nodepulse/pkg/geoip"
	"github.com/nodepulse/nodepulse/pkg/log"
	"github.com/nodepulse/nodepulse/pkg/types"
)

var levelTokens = []string{"INFO", "DEBUG", "ERROR"}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
}

// Parser turns raw log lines into typed events. Parsing is pure except for
// the geo-IP cache consult on traffic events; lines that are not actionable
// yield nil.
type Parser struct {
	geo    *geoip.Cache
	logger zerolog.Logger
}

// New creates a parser backed by the given geo-IP cache.
func New(geo *geoip.Cache) *Parser {
	return &Parser{
		geo:    geo,
		logger: log.WithComponent("parser"),
	}
}

// Parse examines one log line from the named node. arrival is the unix
// timestamp at which the source first observed the line.
func (p *Parser) Parse(line, node string, arrival float64) types.ParsedEvent {
	if !strings.Contains(line, "piecestore") && !strings.Contains(line, "hashstore") {
		return nil
	}

	levelIdx, level := findLevel(line)
	if levelIdx < 0 {
		return nil
	}

	ts, ok := parseTimestamp(strings.TrimSpace(line[:levelIdx]))
	if !ok {
		p.logger.Debug().Str("node", node).Msg("unparseable timestamp, line dropped")
		return nil
	}

	fields, ok := extractJSON(line)
	if !ok {
		return nil
	}

	if strings.Contains(line, "hashstore") {
		return p.parseHashstore(line, ts, fields)
	}

	if strings.Contains(line, "download started") || strings.Contains(line, "upload started") {
		return p.parseOperationStart(ts, arrival, fields)
	}

	return p.parseTraffic(line, node, level, ts, arrival, fields)
}

// findLevel locates the first recognized level token and returns its index
// and value. The timestamp is everything before it.
func findLevel(line string) (int, string) {
	best, bestLevel := -1, ""
	for _, level := range levelTokens {
		if idx := strings.Index(line, level); idx >= 0 && (best < 0 || idx < best) {
			best, bestLevel = idx, level
		}
	}
	return best, bestLevel
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// extractJSON decodes the first {...} object embedded in the line.
func extractJSON(line string) (map[string]any, bool) {
	start := strings.Index(line, "{")
	if start < 0 {
		return nil, false
	}

	var fields map[string]any
	dec := json.NewDecoder(strings.NewReader(line[start:]))
	if err := dec.Decode(&fields); err != nil {
		return nil, false
	}
	return fields, true
}

func (p *Parser) parseHashstore(line string, ts time.Time, fields map[string]any) types.ParsedEvent {
	satellite, okSat := stringField(fields, "satellite")
	store, okStore := stringField(fields, "store")
	if !okSat || !okStore {
		return nil
	}

	switch {
	case strings.Contains(line, "beginning compaction"):
		return types.HashstoreBegin{Satellite: satellite, Store: store, Timestamp: ts}

	case strings.Contains(line, "finished compaction"):
		end := types.HashstoreEnd{Satellite: satellite, Store: store, Timestamp: ts}
		if secs, ok := durationField(fields, "duration"); ok {
			end.DurationS = secs
		}
		if stats, ok := fields["stats"].(map[string]any); ok {
			end.DataReclaimed = sizeField(stats, "DataReclaimed")
			end.DataRewritten = sizeField(stats, "DataRewritten")
			if table, ok := stats["Table"].(map[string]any); ok {
				if load, ok := numberField(table, "Load"); ok {
					end.TableLoad = load * 100
				}
			}
			if trash, ok := numberField(stats, "TrashPercent"); ok {
				end.TrashPercent = trash * 100
			}
		}
		return end
	}

	return nil
}

func (p *Parser) parseOperationStart(ts time.Time, arrival float64, fields map[string]any) types.ParsedEvent {
	pieceID, okPiece := stringField(fields, "Piece ID")
	satelliteID, okSat := stringField(fields, "Satellite ID")
	action, okAction := stringField(fields, "Action")
	if !okPiece || !okSat || !okAction {
		return nil
	}

	start := types.OperationStart{
		PieceID:     pieceID,
		SatelliteID: satelliteID,
		Action:      action,
		Timestamp:   ts,
		ArrivalTime: arrival,
	}
	if _, present := fields["Available Space"]; present {
		space := sizeField(fields, "Available Space")
		start.AvailableSpace = &space
	}
	return start
}

func (p *Parser) parseTraffic(line, node, level string, ts time.Time, arrival float64, fields map[string]any) types.ParsedEvent {
	action, okAction := stringField(fields, "Action")
	pieceID, okPiece := stringField(fields, "Piece ID")
	satelliteID, okSat := stringField(fields, "Satellite ID")
	remoteAddr, okRemote := stringField(fields, "Remote Address")
	if !okAction || !okPiece || !okSat || !okRemote {
		return nil
	}

	size := sizeField(fields, "Size")
	if _, present := fields["Size"]; !present || size < 0 {
		return nil
	}

	status := types.StatusSuccess
	errorReason := ""
	switch {
	case strings.Contains(line, "download canceled") || strings.Contains(line, "upload canceled"):
		status = types.StatusCanceled
		errorReason = "context canceled"
		if reason, ok := stringField(fields, "reason"); ok {
			errorReason = reason
		}
	case strings.Contains(line, "failed") || level == "ERROR":
		status = types.StatusFailed
		errorReason, _ = stringField(fields, "error")
	}

	var durationMS *float64
	if secs, ok := durationField(fields, "duration"); ok {
		ms := secs * 1000
		durationMS = &ms
	}

	remoteIP := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remoteIP = host
	}

	return types.TrafficEvent{
		TSUnix:      float64(ts.UnixNano()) / 1e9,
		Timestamp:   ts,
		NodeName:    node,
		Action:      action,
		Category:    CategorizeAction(action),
		Status:      status,
		Size:        size,
		PieceID:     pieceID,
		SatelliteID: satelliteID,
		RemoteIP:    remoteIP,
		Location:    p.geo.Lookup(remoteIP),
		ErrorReason: errorReason,
		DurationMS:  durationMS,
		ArrivalTime: arrival,
	}
}

// CategorizeAction maps a raw action token onto a traffic category. Repairs
// are distinguished from ordinary GET/PUT.
func CategorizeAction(action string) types.Category {
	switch upper := strings.ToUpper(action); {
	case upper == "GET_AUDIT" || upper == "AUDIT":
		return types.CategoryAudit
	case upper == "GET_REPAIR":
		return types.CategoryGetRepair
	case upper == "PUT_REPAIR":
		return types.CategoryPutRepair
	case strings.HasPrefix(upper, "GET"):
		return types.CategoryGet
	case strings.HasPrefix(upper, "PUT"):
		return types.CategoryPut
	default:
		return types.CategoryOther
	}
}

func stringField(fields map[string]any, key string) (string, bool) {
	s, ok := fields[key].(string)
	return s, ok && s != ""
}

func numberField(fields map[string]any, key string) (float64, bool) {
	v, ok := fields[key].(float64)
	return v, ok
}

// durationField reads a duration that may be a string ("2m30s") or a bare
// number of seconds.
func durationField(fields map[string]any, key string) (float64, bool) {
	switch v := fields[key].(type) {
	case string:
		return ParseDurationSeconds(v)
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// sizeField reads a byte count that may be a JSON number or a size string
// like "100 MB".
func sizeField(fields map[string]any, key string) int64 {
	switch v := fields[key].(type) {
	case float64:
		return int64(v)
	case string:
		return ParseSize(v)
	default:
		return 0
	}
}
