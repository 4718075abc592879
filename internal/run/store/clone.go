package store

import "github.com/vuhlp/vuhlp/internal/run"

// Deep copies returned by reader methods. Callers can hold snapshots
// without racing the store's mutators.

func cloneRun(r *run.Run) *run.Run {
	out := *r
	out.Nodes = make(map[string]*run.Node, len(r.Nodes))
	for id, n := range r.Nodes {
		out.Nodes[id] = cloneNode(n)
	}
	out.Edges = make(map[string]*run.Edge, len(r.Edges))
	for id, e := range r.Edges {
		out.Edges[id] = cloneEdge(e)
	}
	out.Artifacts = make(map[string]*run.Artifact, len(r.Artifacts))
	for id, a := range r.Artifacts {
		out.Artifacts[id] = cloneArtifact(a)
	}
	return &out
}

func cloneNode(n *run.Node) *run.Node {
	out := *n
	out.Session.ResetCommands = append([]string(nil), n.Session.ResetCommands...)
	return &out
}

func cloneEdge(e *run.Edge) *run.Edge {
	out := *e
	out.Pending = make([]*run.Envelope, len(e.Pending))
	for i, env := range e.Pending {
		out.Pending[i] = cloneEnvelope(env)
	}
	return &out
}

func cloneEnvelope(env *run.Envelope) *run.Envelope {
	out := *env
	out.Payload.ArtifactIDs = append([]string(nil), env.Payload.ArtifactIDs...)
	if env.Payload.Data != nil {
		out.Payload.Data = cloneMap(env.Payload.Data)
	}
	if env.Payload.Status != nil {
		status := *env.Payload.Status
		out.Payload.Status = &status
	}
	if env.Meta != nil {
		out.Meta = cloneMap(env.Meta)
	}
	return &out
}

func cloneArtifact(a *run.Artifact) *run.Artifact {
	out := *a
	if a.Meta != nil {
		meta := *a.Meta
		out.Meta = &meta
	}
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
