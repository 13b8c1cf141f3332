// Package scheduler transforms a declared Policy set and the cluster's
// observed state into an action plan. Scheduling is a pure function over
// its inputs, with no side effects and no engine access.
package scheduler

import (
	"context"
	"sort"

	"scrambler/internal/model"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("scrambler/scheduler")

// Distribution is the only concrete scheduler policy class: for each
// image, ensure at least one running container per node, and cull
// duplicates beyond the first.
type Distribution struct{}

// Schedule produces the plan that drives each node's inventory toward
// policies. Iteration is sorted by image name and then by node name so
// the output is deterministic and reproducible for a given input.
func (Distribution) Schedule(ctx context.Context, policies model.Policies, clusterState map[string]model.ClusterEntry, dockerState map[string]model.DockerEntry) model.ActionPlan {
	_, span := tracer.Start(ctx, "scheduler.schedule",
		trace.WithAttributes(
			attribute.Int("policy_count", len(policies)),
			attribute.Int("node_count", len(clusterState)),
		))
	defer span.End()

	images := make([]string, 0, len(policies))
	for image := range policies {
		images = append(images, image)
	}
	sort.Strings(images)

	nodes := make([]string, 0, len(dockerState))
	for node := range dockerState {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	plan := make(map[string][]model.Action)

	for _, image := range images {
		policy := policies[image]
		for _, node := range nodes {
			running := runningContainers(dockerState[node][image])
			switch {
			case len(running) == 0:
				plan[node] = append(plan[node], model.Action{
					Do:    model.ActionRun,
					Image: image,
					Name:  policy.Name,
					Config: &model.RunConfig{
						Ports: policy.Ports,
					},
				})
			case len(running) > 1:
				for _, id := range running[1:] {
					plan[node] = append(plan[node], model.Action{
						Do:   model.ActionDie,
						UUID: id,
					})
				}
			}
		}
	}

	out := make(model.ActionPlan, len(plan))
	for node, actions := range plan {
		if len(actions) == 0 {
			continue
		}
		out[node] = model.NodeActions{Actions: actions}
	}
	span.SetAttributes(attribute.Int("plan_size", len(out)))
	return out
}

// runningContainers returns the container IDs in image whose entries are
// running, sorted so "which one survives" is deterministic.
func runningContainers(image map[string]model.ContainerInfo) []string {
	if len(image) == 0 {
		return nil
	}
	ids := make([]string, 0, len(image))
	for id, c := range image {
		if c.Running {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
