package pattern_test

import (
	"fmt"

	"gitlab.com/stephen-fox/revkit/pattern"
)

func ExampleCompileGlob() {
	glob := pattern.CompileGlob("lib*.so*")

	for _, name := range []string{"libc.so.6", "ld-linux-x86-64.so.2", "libm.so.6"} {
		fmt.Println(name, glob.Match(name))
	}

	// Output:
	// libc.so.6 true
	// ld-linux-x86-64.so.2 false
	// libm.so.6 true
}
