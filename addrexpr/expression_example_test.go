package addrexpr_test

import (
	"fmt"

	"github.com/spf13/afero"
	"gitlab.com/stephen-fox/revkit/addrexpr"
	"gitlab.com/stephen-fox/revkit/binimg/imgtest"
	"gitlab.com/stephen-fox/revkit/modules"
	"gitlab.com/stephen-fox/revkit/process"
)

func ExampleEvaluate() {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/bin/basic_one", imgtest.BasicELF(), 0o644)

	snapshot := process.NewSnapshot(process.SnapshotConfig{OptFS: fs})
	snapshot.MapOrExit("/bin/basic_one", 0x555500000000)

	index := modules.NewIndexOrExit(snapshot, modules.Config{})

	fmt.Println(addrexpr.EvaluateOrExit(index, "basic_one:func"))
	fmt.Println(addrexpr.EvaluateOrExit(index, "basic*:plt.printf+0x6"))
	fmt.Println(addrexpr.EvaluateOrExit(index, "i64"))

	// Output:
	// 0x55550000064a
	// 0x555500000526
	// 0x555500201020
}
