package worker

import (
	"github.com/lucaromagnoli/dataservice"
	"github.com/lucaromagnoli/dataservice/writer"
)

// writeItems backs Service.Write, forwarding to package writer's extension
// dispatch (.csv / .jsonl / JSON array) so the encoding logic has exactly
// one implementation. writer stays a standalone package (it only imports
// the root dataservice package) so callers who collect DataItems some other
// way can depend on it without pulling in the scheduler.
func writeItems(path string, items []dataservice.DataItem) error {
	return writer.Write(path, items)
}
