// Copyright 2024 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy
// of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package freecpus

import (
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/go-logr/logr/funcr"

	. "github.com/onsi/ginkgo/v2/dsl/core"
	. "github.com/onsi/gomega"
	. "github.com/thediveo/success"
)

// procTree creates a synthetic process directory in a temporary directory,
// with a subdirectory for each of the passed process names. A process with an
// empty status text gets no status file at all, as if it had vanished while
// scanning.
func procTree(procs map[string]string) string {
	GinkgoHelper()
	root := GinkgoT().TempDir()
	for pid, text := range procs {
		dir := filepath.Join(root, pid)
		Expect(os.Mkdir(dir, 0o755)).To(Succeed())
		if text == "" {
			continue
		}
		Expect(os.WriteFile(filepath.Join(dir, "status"), []byte(text), 0o444)).To(Succeed())
	}
	return root
}

// sysTree creates a synthetic sysfs in a temporary directory with the passed
// online CPU list.
func sysTree(online string) string {
	GinkgoHelper()
	root := GinkgoT().TempDir()
	cpudir := filepath.Join(root, "devices/system/cpu")
	Expect(os.MkdirAll(cpudir, 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(cpudir, "online"), []byte(online+"\n"), 0o444)).To(Succeed())
	return root
}

func free(procRoot string, cpus uint) Set {
	GinkgoHelper()
	return Successful(NewScanner(WithProcRoot(procRoot), WithCPUCount(cpus)).Free())
}

var _ = Describe("scanning for free CPUs", func() {

	It("returns all CPUs on an empty system", func() {
		root := procTree(nil)
		Expect(os.WriteFile(filepath.Join(root, "uptime"), []byte("1.0 2.0\n"), 0o444)).To(Succeed())
		Expect(free(root, 4).String()).To(Equal("0-3"))
	})

	It("excludes the CPU of a pinned user process", func() {
		root := procTree(map[string]string{"1234": userStatus("2")})
		Expect(free(root, 4).String()).To(Equal("0-1,3"))
	})

	It("ignores pinned kernel threads", func() {
		root := procTree(map[string]string{"2": kernelThreadStatus("0")})
		Expect(free(root, 2).String()).To(Equal("0-1"))
	})

	It("ignores floating processes", func() {
		root := procTree(map[string]string{"500": userStatus("0-3")})
		Expect(free(root, 4).String()).To(Equal("0-3"))
	})

	It("handles multiple pinned processes together with noise", func() {
		root := procTree(map[string]string{
			"100": userStatus("0"),
			"101": userStatus("0,2"),
			"102": userStatus("3"),
			"200": kernelThreadStatus("1"),
		})
		Expect(os.WriteFile(filepath.Join(root, "x"), []byte(userStatus("1")), 0o444)).To(Succeed())
		Expect(free(root, 4).String()).To(Equal("1-2"))
	})

	It("counts CPUs occupied by multiple processes only once", func() {
		root := procTree(map[string]string{
			"100": userStatus("1"),
			"101": userStatus("1"),
			"102": userStatus("1"),
		})
		Expect(Successful(NewScanner(WithProcRoot(root)).Occupied()).String()).To(Equal("1"))
		Expect(free(root, 3).String()).To(Equal("0,2"))
	})

	It("skips vanished processes", func() {
		root := procTree(map[string]string{
			"100":  userStatus("0"),
			"666":  "",
			"1000": userStatus("3"),
		})
		var logs []string
		log := funcr.New(func(_, args string) { logs = append(logs, args) },
			funcr.Options{Verbosity: 1})
		free := Successful(NewScanner(
			WithProcRoot(root), WithCPUCount(4), WithLogger(log)).Free())
		Expect(free.String()).To(Equal("1-2"))
		Expect(logs).To(ContainElement(And(
			ContainSubstring(`"msg"="skipping process with unreadable status"`),
			ContainSubstring(`"pid"="666"`))))
	})

	It("skips processes with unreadable status", func() {
		root := procTree(map[string]string{
			"100": userStatus("0"),
			"101": "",
		})
		Expect(os.Mkdir(filepath.Join(root, "101", "status"), 0o755)).To(Succeed())
		Expect(free(root, 2).String()).To(Equal("1"))
	})

	It("doesn't follow symbolic links", func() {
		elsewhere := procTree(map[string]string{"42": userStatus("1")})
		root := procTree(map[string]string{"100": userStatus("0")})
		Expect(os.Symlink(filepath.Join(elsewhere, "42"), filepath.Join(root, "self"))).To(Succeed())
		Expect(free(root, 4).String()).To(Equal("1-3"))
	})

	It("drops occupied CPUs beyond the CPU count", func() {
		root := procTree(map[string]string{
			"100": userStatus("1"),
			"101": userStatus("7"),
		})
		Expect(Successful(NewScanner(WithProcRoot(root)).Occupied()).String()).To(Equal("1,7"))
		Expect(free(root, 4).String()).To(Equal("0,2-3"))
	})

	It("returns an empty set when all CPUs are occupied", func() {
		root := procTree(map[string]string{
			"100": userStatus("0"),
			"101": userStatus("1"),
		})
		free := free(root, 2)
		Expect(free.Count()).To(BeZero())
		Expect(free.String()).To(BeEmpty())
	})

	When("the process directory is unusable", func() {

		It("fails when it doesn't exist", func() {
			_, err := NewScanner(
				WithProcRoot(filepath.Join(GinkgoT().TempDir(), "nada")),
				WithCPUCount(4)).Free()
			Expect(err).To(MatchError(fs.ErrNotExist))
		})

		It("fails when it isn't a directory", func() {
			path := filepath.Join(GinkgoT().TempDir(), "proc")
			Expect(os.WriteFile(path, nil, 0o444)).To(Succeed())
			free, err := NewScanner(WithProcRoot(path), WithCPUCount(4)).Free()
			Expect(err).To(HaveOccurred())
			Expect(free).To(BeNil())
		})

	})

	When("determining the CPU count", func() {

		It("uses a fixed count", func() {
			Expect(NewScanner(WithCPUCount(3)).CPUCount()).To(Equal(uint(3)))
		})

		It("counts the online CPUs", func() {
			Expect(NewScanner(WithSysRoot(sysTree("0-5"))).CPUCount()).To(Equal(uint(6)))
			Expect(NewScanner(WithSysRoot(sysTree("0-1,3"))).CPUCount()).To(Equal(uint(3)))
		})

		It("complements against the online CPU count", func() {
			root := procTree(map[string]string{"1": userStatus("1")})
			Expect(Successful(NewScanner(
				WithProcRoot(root), WithSysRoot(sysTree("0-3"))).Free()).String()).
				To(Equal("0,2-3"))
		})

		It("falls back to the runtime on malformed online CPUs when scanning", func() {
			root := procTree(map[string]string{"1": userStatus("1")})
			free := Successful(NewScanner(
				WithProcRoot(root), WithSysRoot(sysTree("3-1"))).Free())
			Expect(free.String()).To(Equal(
				FirstCPUs(uint(runtime.NumCPU())).Difference(Set{}.AddRange(1, 1)).String()))
		})

		It("falls back to the runtime", func() {
			sysroot := GinkgoT().TempDir()
			Expect(NewScanner(WithSysRoot(sysroot)).CPUCount()).
				To(Equal(uint(runtime.NumCPU())))
			for _, online := range []string{"garbage", "3-1", "0-3,2", "0-99999999"} {
				Expect(NewScanner(WithSysRoot(sysTree(online))).CPUCount()).
					To(Equal(uint(runtime.NumCPU())), "online CPUs %q", online)
			}
		})

	})

	Context("synthetic process trees", func() {

		var rng *rand.Rand

		BeforeEach(func() {
			seed := uint64(GinkgoRandomSeed())
			rng = rand.New(rand.NewPCG(seed, seed^0x5eed))
		})

		// randomProcs returns a random process tree together with the CPUs the
		// pinned user processes in this tree occupy.
		randomProcs := func(cpus uint) (map[string]string, Set) {
			procs := map[string]string{}
			occupied := Set{}
			for pid := range 1 + rng.IntN(50) {
				name := strconv.Itoa(pid + 1)
				cpu := uint(rng.IntN(int(cpus) + 2))
				switch rng.IntN(5) {
				case 0:
					procs[name] = kernelThreadStatus(strconv.FormatUint(uint64(cpu), 10))
				case 1:
					procs[name] = userStatus(strconv.FormatUint(uint64(cpu), 10) + "-" +
						strconv.FormatUint(uint64(cpu+1), 10))
				case 2:
					procs[name] = userStatus(strconv.FormatUint(uint64(cpu), 10) + "," +
						strconv.FormatUint(uint64(cpu+2), 10))
				default:
					procs[name] = userStatus(strconv.FormatUint(uint64(cpu), 10))
					occupied = occupied.AddRange(cpu, cpu)
				}
			}
			return procs, occupied
		}

		It("returns exactly the unoccupied CPUs", func() {
			for range 20 {
				cpus := uint(1 + rng.IntN(16))
				procs, occupied := randomProcs(cpus)
				root := procTree(procs)
				scanner := NewScanner(WithProcRoot(root), WithCPUCount(cpus))

				Expect(Successful(scanner.Occupied()).List()).To(Equal(occupied.List()))

				free := Successful(scanner.Free())
				for cpu := range free.All() {
					Expect(cpu).To(BeNumerically("<", cpus))
					Expect(occupied.IsSet(cpu)).To(BeFalse())
				}
				for cpu := range cpus {
					Expect(free.IsSet(cpu) || occupied.IsSet(cpu)).To(BeTrue())
				}
				Expect(free.List()).To(Equal(FirstCPUs(cpus).Difference(occupied).List()))

				Expect(Successful(scanner.Free()).List()).To(Equal(free.List()),
					"not idempotent")
			}
		})

		It("isn't affected by unreadable and non-directory entries", func() {
			for range 10 {
				cpus := uint(1 + rng.IntN(16))
				procs, _ := randomProcs(cpus)
				root := procTree(procs)
				expected := free(root, cpus).List()

				for idx := range 1 + rng.IntN(10) {
					name := "noise" + strconv.Itoa(idx)
					if rng.IntN(2) == 0 {
						Expect(os.WriteFile(filepath.Join(root, name),
							[]byte(userStatus("0")), 0o444)).To(Succeed())
						continue
					}
					Expect(os.Mkdir(filepath.Join(root, strconv.Itoa(100000+idx)), 0o755)).To(Succeed())
				}
				Expect(free(root, cpus).List()).To(Equal(expected))
			}
		})

	})

	Context("on this host", func() {

		It("returns free CPUs only from the online CPUs", func() {
			cpus := NewScanner().CPUCount()
			Expect(cpus).NotTo(BeZero())
			free := Successful(FreeCPUs())
			for cpu := range free.All() {
				Expect(cpu).To(BeNumerically("<", cpus))
			}
			Expect(func() { _ = MustFreeCPUs() }).NotTo(Panic())
		})

	})

})
