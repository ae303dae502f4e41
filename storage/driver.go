package storage

import "strconv"

const (
	MYSQLDriver Driver = "mysql"
	PGDriver    Driver = "pg"
)

// Driver selects the SQL dialect used by the stores. One codebase serves both
// drivers; the param is required because of https://github.com/golang/go/issues/3602.
type Driver string

// PrepQuery replaces wildcard params to specific driver. Standard wildcard is '?'
func PrepQuery(query string, driver Driver) string {
	if driver != PGDriver {
		return query
	}

	var res []byte

	counter := 1

	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			res = append(append(res, '$'), []byte(strconv.Itoa(counter))...)
			counter++

			continue
		}
		res = append(res, query[i])
	}

	return string(res)
}
