package config

// Configuration is the validated, immutable record a generation is built
// from. One instance per generation; never mutated after Load returns it.
type Configuration struct {
	Name string            `json:"name"`
	Main string            `json:"main"`
	Vars map[string]string `json:"vars,omitempty"`

	KVNamespaces   []KVNamespace    `json:"kv_namespaces,omitempty"`
	R2Buckets      []R2Bucket       `json:"r2_buckets,omitempty"`
	D1Databases    []D1Database     `json:"d1_databases,omitempty"`
	DurableObjects DurableObjects   `json:"durable_objects,omitempty"`
	Workflows      []Workflow       `json:"workflows,omitempty"`
	Queues         Queues           `json:"queues,omitempty"`
	Services       []Service        `json:"services,omitempty"`
	Triggers       Triggers         `json:"triggers,omitempty"`
	Assets         *Assets          `json:"assets,omitempty"`
	Images         []Image          `json:"images,omitempty"`
	Containers     []Container      `json:"containers,omitempty"`
	Migrations     []Migration      `json:"migrations,omitempty"`
}

// KVNamespace binds a slot name to a KV namespace.
type KVNamespace struct {
	Binding string `json:"binding"`
	ID      string `json:"id"`
}

// R2Bucket binds a slot name to an R2 bucket.
type R2Bucket struct {
	Binding    string `json:"binding"`
	BucketName string `json:"bucket_name"`
}

// D1Database binds a slot name to a D1 database.
type D1Database struct {
	Binding      string `json:"binding"`
	DatabaseName string `json:"database_name"`
	DatabaseID   string `json:"database_id,omitempty"`
}

// DurableObjects holds the durable_objects.bindings list, which names the
// worker-exported class each slot resolves to. Class migrations are the
// top-level Configuration.Migrations list, not part of this struct.
type DurableObjects struct {
	Bindings []DurableObjectBinding `json:"bindings,omitempty"`
}

// DurableObjectBinding names a slot and the worker-exported class it is
// late-bound to. ScriptName is set for bindings that target a class
// exported by a different worker (left empty for same-worker classes).
type DurableObjectBinding struct {
	Binding    string `json:"name"`
	ClassName  string `json:"class_name"`
	ScriptName string `json:"script_name,omitempty"`
}

// Workflow binds a slot name to a worker-exported workflow class.
type Workflow struct {
	Binding   string `json:"binding"`
	Name      string `json:"name"`
	ClassName string `json:"class_name"`
}

// Queues holds the producer and consumer lists.
type Queues struct {
	Producers []QueueProducer `json:"producers,omitempty"`
	Consumers []QueueConsumer `json:"consumers,omitempty"`
}

// QueueProducer binds a slot name to a queue a worker can send to.
type QueueProducer struct {
	Binding string `json:"binding"`
	Queue   string `json:"queue"`
}

// QueueConsumer configures the poll loop for one queue. Zero-value fields
// take the defaults documented in spec.md's queue consumer contract.
type QueueConsumer struct {
	Queue               string `json:"queue"`
	MaxBatchSize        int    `json:"max_batch_size,omitempty"`
	MaxBatchTimeoutMs   int    `json:"max_batch_timeout_ms,omitempty"`
	MaxRetries          int    `json:"max_retries,omitempty"`
	DeadLetterQueue     string `json:"dead_letter_queue,omitempty"`
	VisibilityTimeoutMs int    `json:"visibility_timeout_ms,omitempty"`
}

// Service binds a slot name to another worker's fetch entrypoint (or a
// named entrypoint class exported by that worker).
type Service struct {
	Binding     string `json:"binding"`
	ServiceName string `json:"service"`
	Entrypoint  string `json:"entrypoint,omitempty"`
}

// Triggers holds the cron expressions that drive the scheduled dispatcher.
type Triggers struct {
	Crons []string `json:"crons,omitempty"`
}

// Assets configures the static asset resolver.
type Assets struct {
	Binding           string `json:"binding,omitempty"`
	Directory         string `json:"directory"`
	HTMLHandling      string `json:"html_handling,omitempty"`
	NotFoundHandling  string `json:"not_found_handling,omitempty"`
}

// Image binds a slot name to the image transformation passthrough.
type Image struct {
	Binding string `json:"binding"`
}

// Container binds a slot name to a worker-exported container class and its
// Docker image / lifecycle options.
type Container struct {
	Binding      string `json:"binding"`
	ClassName    string `json:"class_name"`
	Image        string `json:"image"`
	MaxInstances int    `json:"max_instances,omitempty"`
	SleepAfter   string `json:"sleep_after,omitempty"`
}

// Migration records one Durable Object class migration step (new, renamed,
// or deleted classes), applied in order by tag.
type Migration struct {
	Tag            string   `json:"tag"`
	NewClasses     []string `json:"new_classes,omitempty"`
	RenamedClasses []struct {
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"renamed_classes,omitempty"`
	DeletedClasses []string `json:"deleted_classes,omitempty"`
}
