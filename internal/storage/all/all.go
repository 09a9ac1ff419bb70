// Package all registers every repository and identifier cache store backend
// with the storage factories. Binaries import it for its side effects; the
// pipeline config selects the backend at run time.
package all

import (
	_ "citydb/internal/storage/badgerstore"
	_ "citydb/internal/storage/mssql"
	_ "citydb/internal/storage/postgres"
	_ "citydb/internal/storage/sqlite"
)
