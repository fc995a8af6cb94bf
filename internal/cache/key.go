package cache

import "fmt"

// Key builds the job result cache key from the workflow name, job name,
// head SHA and job definition hash. Including the hash means editing a
// job's definition invalidates its cached results.
func Key(workflow, job, sha, jobHash string) string {
	return fmt.Sprintf("%s/%s/%s/%s", workflow, job, sha, jobHash)
}
