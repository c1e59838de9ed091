package mcp

// registerAllTools registers all MCP tools with the registry
func (s *Server) registerAllTools(r *Registry) {
	s.registerObjectTools(r)
	if s.pumps != nil {
		s.registerPumpTools(r)
	}
	if s.events != nil {
		s.registerEventTools(r)
	}
}

func (s *Server) registerObjectTools(r *Registry) {
	Register(r, ToolDef{
		Name: "objects_list",
		Description: `List the objects served by this process.

Returns each instance's hash_val, class and name, plus the classes that can be created.
Pass class to only list instances of one class.`,
		ReadOnly: true,
	}, s.handleObjectsList)

	Register(r, ToolDef{
		Name: "object_info",
		Description: `Read an object's config or logged data.

query "config" returns the config properties; without hash_val it returns the config of every object.
query "data" returns the current values of the logged attributes and requires hash_val.`,
		ReadOnly: true,
	}, s.handleObjectInfo)

	Register(r, ToolDef{
		Name: "object_ensure",
		Description: `Create an object unless one with the same class and name already exists.

Requires cls_name. name and config are optional; config sets config properties on creation.
Returns the object's hash_val.`,
	}, s.handleObjectEnsure)

	Register(r, ToolDef{
		Name:        "object_delete",
		Description: `Delete the object with hash_val.`,
	}, s.handleObjectDelete)

	Register(r, ToolDef{
		Name: "object_execute",
		Description: `Call a method on an object through its executor.

Requires hash_val and method_name. args (list) and kwargs (object) are passed to the method.
Generator methods return every produced value in "values", up to limit (default 1000).
Pass {"__ref": "<hash_val>"} as an argument to refer to another served object.`,
	}, s.handleObjectExecute)

	Register(r, ToolDef{
		Name:        "echo_clock",
		Description: `Read the server's monotonic clock in seconds, for latency and offset estimates.`,
		ReadOnly:    true,
	}, s.handleEchoClock)
}

func (s *Server) registerPumpTools(r *Registry) {
	Register(r, ToolDef{
		Name: "pump",
		Description: `Manage pumps: methods called periodically on a served object.

Actions:
  add      : Schedule a pump. Requires hash_val, method_name and spec.
  list     : List pumps with run counts and next run times.
  remove   : Unschedule a pump by pump_id.
  trigger  : Run a pump once now by pump_id.

spec is a cron expression with an optional leading seconds field ("*/5 * * * * *"),
or a descriptor such as "@every 2s". A run is skipped while the previous one is in flight.`,
	}, s.handlePump)
}

func (s *Server) registerEventTools(r *Registry) {
	Register(r, ToolDef{
		Name: "events_query",
		Description: `Read recorded stream events, newest first.

Filter by hash_val and/or type ("ensure", "delete", "execute", "data"). limit defaults to 100.
Each record carries the stream packet number; gaps mean events were dropped.`,
		ReadOnly: true,
	}, s.handleEventsQuery)
}
