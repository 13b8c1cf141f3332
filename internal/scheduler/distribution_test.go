package scheduler

import (
	"context"
	"reflect"
	"testing"

	"scrambler/internal/model"
)

func TestScheduleRunsWhenImageAbsent(t *testing.T) {
	policies := model.Policies{
		"nginx": {Name: "web", Ports: map[string]int{"80": 8080}},
	}
	docker := map[string]model.DockerEntry{
		"a": {},
		"b": {},
	}

	plan := Distribution{}.Schedule(context.Background(), policies, nil, docker)

	want := model.ActionPlan{
		"a": {Actions: []model.Action{{Do: "run", Image: "nginx", Name: "web", Config: &model.RunConfig{Ports: map[string]int{"80": 8080}}}}},
		"b": {Actions: []model.Action{{Do: "run", Image: "nginx", Name: "web", Config: &model.RunConfig{Ports: map[string]int{"80": 8080}}}}},
	}
	if !reflect.DeepEqual(plan, want) {
		t.Fatalf("plan = %+v, want %+v", plan, want)
	}
}

func TestScheduleCullsDuplicates(t *testing.T) {
	policies := model.Policies{
		"nginx": {Name: "web", Ports: map[string]int{"80": 8080}},
	}
	docker := map[string]model.DockerEntry{
		"a": {
			"nginx": {
				"id1": {Name: "web", Running: true},
				"id2": {Name: "web", Running: true},
			},
		},
	}

	plan := Distribution{}.Schedule(context.Background(), policies, nil, docker)

	want := model.ActionPlan{
		"a": {Actions: []model.Action{{Do: "die", UUID: "id2"}}},
	}
	if !reflect.DeepEqual(plan, want) {
		t.Fatalf("plan = %+v, want %+v", plan, want)
	}
}

func TestScheduleOmitsNodesWithNoActions(t *testing.T) {
	policies := model.Policies{
		"nginx": {Name: "web"},
	}
	docker := map[string]model.DockerEntry{
		"a": {"nginx": {"id1": {Running: true}}},
	}

	plan := Distribution{}.Schedule(context.Background(), policies, nil, docker)
	if len(plan) != 0 {
		t.Fatalf("expected empty plan, got %+v", plan)
	}
}

func TestScheduleIsDeterministic(t *testing.T) {
	policies := model.Policies{
		"zeta":  {Name: "z"},
		"alpha": {Name: "a"},
	}
	docker := map[string]model.DockerEntry{
		"node-b": {},
		"node-a": {},
	}

	first := Distribution{}.Schedule(context.Background(), policies, nil, docker)
	second := Distribution{}.Schedule(context.Background(), policies, nil, docker)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("schedule is not deterministic across repeated invocations")
	}
}

func TestScheduleConvergesToEmptyPlan(t *testing.T) {
	policies := model.Policies{
		"nginx": {Name: "web"},
	}
	docker := map[string]model.DockerEntry{
		"a": {},
	}

	plan := Distribution{}.Schedule(context.Background(), policies, nil, docker)
	action := plan["a"].Actions[0]
	if action.Do != "run" {
		t.Fatalf("expected a run action, got %+v", action)
	}

	// Simulate applying the plan: the container is now running.
	docker["a"]["nginx"] = map[string]model.ContainerInfo{"new-id": {Name: action.Name, Running: true}}

	converged := Distribution{}.Schedule(context.Background(), policies, nil, docker)
	if len(converged) != 0 {
		t.Fatalf("expected empty plan at convergence, got %+v", converged)
	}
}
