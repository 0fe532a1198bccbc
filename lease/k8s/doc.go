// Package k8s provides a Kubernetes-native lease.Store.
//
// Each lock name maps to one coordination/v1 Lease object in a namespace.
// Acquisition and renewal rely on the API server's optimistic concurrency
// (resourceVersion), so two hosts racing for an expired lease cannot both
// win. Use it to run singleton scheduled jobs across pods without a shared
// database:
//
//	client := kubernetes.NewForConfigOrDie(rest.InClusterConfig())
//	locks := k8s.New(client, "my-namespace")
//	o, _ := engine.New(engine.WithStore(st), engine.WithLeaseStore(locks))
//
// Expiry is evaluated against the local clock and lease durations are
// rounded up to whole seconds, as the Lease API stores them.
package k8s
