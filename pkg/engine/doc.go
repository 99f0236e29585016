// Package engine executes hostplay playbooks.
//
// # Overview
//
// A playbook is an ordered list of plays. Each play targets an inventory host
// pattern and runs its tasks on every matched host, one host at a time:
//
//  1. Connect - open a transport to the host (local or ssh)
//  2. Facts - optionally gather host facts into the "facts" variable
//  3. Tasks - run tasks in file order, each to completion before the next
//  4. Handlers - run every notified handler once, in definition order
//
// # Failure Handling
//
// A failing task stops the sequence it belongs to. Tasks may opt out with
// ignore_errors: the result is recorded as "ignored", its output is still
// registered, and the sequence continues.
//
// Block tasks provide structured recovery:
//
//	tasks:
//	  - name: Deploy
//	    block:
//	      - ...
//	    rescue:
//	      - ...   # failed_task and failed_result describe the failure
//	    always:
//	      - ...   # runs exactly once, even after cancellation
//
// A block whose rescue succeeds is reported as "rescued" and the play goes
// on. The block fails outward when the failure was not rescued or when the
// always section failed.
//
// # Handlers
//
// A task that reports "changed" marks the handlers named in its notify list
// (by name or listen topic) as pending. Pending handlers form a set, so a
// handler notified many times still runs once. Handlers are skipped when the
// host failed unless the play sets force_handlers.
//
// # Variables
//
// Each host sees an immutable snapshot built from host vars, play vars,
// vars_files and extra vars, in increasing precedence. Registered results,
// facts and the failed_* variables live in a per-host scope layered above
// the snapshot; extra vars always win.
//
// # Error Classification
//
// Errors that prevent a task from running at all are wrapped in EngineError
// and classified:
//
//   - Transient: timeouts and unreachable hosts
//   - Throttled: rate limiting by a remote service
//   - Conflict: concurrent modification
//   - Permanent: everything else, including failed actions
//
// The executor never retries. Classification drives logging, metrics and the
// run history only.
//
// # Example Usage
//
//	pb, err := playbook.Load("site.yaml")
//	inv, err := playbook.LoadInventory("inventory.yaml")
//
//	exec := engine.NewExecutor(
//	    engine.WithLogger(logger),
//	    engine.WithRecorder(store),
//	)
//	run, err := exec.Run(ctx, pb, inv, engine.RunOptions{CheckMode: true})
//	if err != nil {
//	    // The run could not proceed
//	}
//	fmt.Println(engine.RenderRecap(run))
//
// # Thread Safety
//
// An Executor holds no per-run state in its fields, but a single Run call is
// strictly sequential. Use separate Run calls for independent playbooks.
package engine
