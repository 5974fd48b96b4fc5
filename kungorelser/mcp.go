package kungorelser

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/isakskogstad/LoopDesk-sub005/audit"
	"github.com/isakskogstad/LoopDesk-sub005/kit"
)

// MCPServer returns an MCP server carrying every kungorelser tool.
func (s *Service) MCPServer() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "kungorelser", Version: "1.0.0"}, nil)
	s.RegisterMCP(srv)
	return srv
}

// RegisterMCP registers the kungorelser tools on srv.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerScheduleState(srv)
	s.registerUpdateSchedule(srv)
	s.registerRunNow(srv)
	s.registerStop(srv)
	s.registerSearch(srv)
	s.registerList(srv)
	s.registerProxyStatus(srv)
	s.registerStats(srv)
	s.registerWatch(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sch["required"] = required
	}
	return sch
}

func (s *Service) tool(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode kit.Decoder) {
	kit.RegisterMCPTool(srv, tool, kit.Logging(s.logger, tool.Name)(endpoint), decode)
}

// mutatingTool is tool plus an audit entry per call.
func (s *Service) mutatingTool(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode kit.Decoder) {
	mw := kit.Chain(kit.Logging(s.logger, tool.Name), audit.Middleware(s.audit, tool.Name))
	kit.RegisterMCPTool(srv, tool, mw(endpoint), decode)
}

type noArgs struct{}

func (s *Service) registerScheduleState(srv *mcp.Server) {
	s.tool(srv, &mcp.Tool{
		Name:        "kungorelser_schedule_state",
		Description: "Show the scrape schedule and the state of the current or last run",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, func(ctx context.Context, _ any) (any, error) {
		return s.ScheduleState(ctx)
	}, kit.DecodeArgs[noArgs])
}

func (s *Service) registerUpdateSchedule(srv *mcp.Server) {
	s.mutatingTool(srv, &mcp.Tool{
		Name:        "kungorelser_update_schedule",
		Description: "Enable or disable scheduled scraping and set its interval",
		InputSchema: inputSchema(map[string]any{
			"enabled":  map[string]any{"type": "boolean"},
			"interval": map[string]any{"type": "string", "enum": []string{"hourly", "every6h", "daily", "weekly"}},
		}, nil),
	}, func(ctx context.Context, r any) (any, error) {
		return s.UpdateSchedule(ctx, *r.(*ConfigUpdate))
	}, kit.DecodeArgs[ConfigUpdate])
}

func (s *Service) registerRunNow(srv *mcp.Server) {
	s.mutatingTool(srv, &mcp.Tool{
		Name:        "kungorelser_run_now",
		Description: "Start a scrape run now, for one query or for every watched company when query is empty",
		InputSchema: inputSchema(map[string]any{
			"query":        map[string]any{"type": "string", "description": "Company name or organisation number"},
			"skip_details": map[string]any{"type": "boolean"},
			"detail_limit": map[string]any{"type": "integer", "minimum": 0},
			"parallelism":  map[string]any{"type": "integer", "minimum": 1, "maximum": 30},
		}, nil),
	}, func(ctx context.Context, r any) (any, error) {
		req := *r.(*RunRequest)
		req.Trigger = ""
		return s.RunNow(ctx, req)
	}, kit.DecodeArgs[RunRequest])
}

func (s *Service) registerStop(srv *mcp.Server) {
	s.mutatingTool(srv, &mcp.Tool{
		Name:        "kungorelser_stop",
		Description: "Stop the active scrape run after its in-flight fetches",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, func(ctx context.Context, _ any) (any, error) {
		return s.Stop(ctx)
	}, kit.DecodeArgs[noArgs])
}

func (s *Service) registerSearch(srv *mcp.Server) {
	s.tool(srv, &mcp.Tool{
		Name:        "kungorelser_search",
		Description: "Search the gazette for a company name or organisation number, store and return the announcements",
		InputSchema: inputSchema(map[string]any{
			"query":        map[string]any{"type": "string", "minLength": MinQueryLength},
			"skip_details": map[string]any{"type": "boolean"},
			"detail_limit": map[string]any{"type": "integer", "minimum": 0},
			"parallelism":  map[string]any{"type": "integer", "minimum": 1, "maximum": 30},
		}, []string{"query"}),
	}, func(ctx context.Context, r any) (any, error) {
		return s.Search(ctx, *r.(*SearchRequest))
	}, kit.DecodeArgs[SearchRequest])
}

func (s *Service) registerList(srv *mcp.Server) {
	s.tool(srv, &mcp.Tool{
		Name:        "kungorelser_list",
		Description: "List stored announcements, newest first, with cursor pagination",
		InputSchema: inputSchema(map[string]any{
			"query":      map[string]any{"type": "string", "description": "Free text over subject, company and detail text"},
			"org_number": map[string]any{"type": "string"},
			"type":       map[string]any{"type": "string"},
			"from":       map[string]any{"type": "integer", "description": "Earliest publication date, unix ms"},
			"to":         map[string]any{"type": "integer", "description": "Latest publication date, unix ms"},
			"cursor":     map[string]any{"type": "string"},
			"limit":      map[string]any{"type": "integer", "minimum": 1, "maximum": 200},
		}, nil),
	}, func(ctx context.Context, r any) (any, error) {
		return s.ListAnnouncements(ctx, *r.(*Filter))
	}, kit.DecodeArgs[Filter])
}

func (s *Service) registerProxyStatus(srv *mcp.Server) {
	s.tool(srv, &mcp.Tool{
		Name:        "kungorelser_proxy_status",
		Description: "Show proxy pool health and captcha solver state",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, func(context.Context, any) (any, error) {
		return s.ProxyStatus(), nil
	}, kit.DecodeArgs[noArgs])
}

func (s *Service) registerStats(srv *mcp.Server) {
	s.tool(srv, &mcp.Tool{
		Name:        "kungorelser_stats",
		Description: "Announcement totals by type and company plus scraper counters",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, func(ctx context.Context, _ any) (any, error) {
		return s.Stats(ctx)
	}, kit.DecodeArgs[noArgs])
}

type watchArgs struct {
	Action    string `json:"action"`
	OrgNumber string `json:"org_number"`
	Name      string `json:"name"`
}

func (s *Service) registerWatch(srv *mcp.Server) {
	s.mutatingTool(srv, &mcp.Tool{
		Name:        "kungorelser_watch",
		Description: "Manage the watch list scraped by scheduled runs: add, remove or list",
		InputSchema: inputSchema(map[string]any{
			"action":     map[string]any{"type": "string", "enum": []string{"add", "remove", "list"}},
			"org_number": map[string]any{"type": "string"},
			"name":       map[string]any{"type": "string"},
		}, []string{"action"}),
	}, func(ctx context.Context, r any) (any, error) {
		a := r.(*watchArgs)
		switch a.Action {
		case "add":
			return s.Watch(ctx, a.OrgNumber, a.Name)
		case "remove":
			if err := s.Unwatch(ctx, a.OrgNumber); err != nil {
				return nil, err
			}
			return map[string]string{"status": "removed", "org_number": a.OrgNumber}, nil
		case "list":
			return s.Watched(ctx)
		}
		return nil, invalid("action", "%q (want add, remove or list)", a.Action)
	}, kit.DecodeArgs[watchArgs])
}
