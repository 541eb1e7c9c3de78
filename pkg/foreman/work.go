package foreman

import "github.com/lsst-dm/dmcs/pkg/scoreboard"

// DivideWork assigns rafts to forwarders contiguously. One forwarder
// owns everything. With rafts to spare each forwarder gets one; with
// forwarders to spare each gets an equal share and the first forwarder
// absorbs the remainder. ccds[i] lists the sensors of rafts[i].
func DivideWork(forwarders, rafts []string, ccds [][]string) scoreboard.WorkSchedule {
	var sched scoreboard.WorkSchedule
	numFwdrs := len(forwarders)
	numRafts := len(rafts)
	if numFwdrs == 0 || numRafts == 0 {
		return sched
	}

	if numFwdrs == 1 {
		sched.Forwarders = []string{forwarders[0]}
		sched.RaftLists = [][]string{rafts}
		sched.CCDLists = [][][]string{ccds}
		return sched
	}

	if numRafts <= numFwdrs {
		for i := 0; i < numRafts; i++ {
			sched.Forwarders = append(sched.Forwarders, forwarders[i])
			sched.RaftLists = append(sched.RaftLists, rafts[i:i+1])
			sched.CCDLists = append(sched.CCDLists, ccds[i:i+1])
		}
		return sched
	}

	share := numRafts / numFwdrs
	remainder := numRafts % numFwdrs
	pos := 0
	for i := 0; i < numFwdrs; i++ {
		n := share
		if i == 0 {
			n += remainder
		}
		sched.Forwarders = append(sched.Forwarders, forwarders[i])
		sched.RaftLists = append(sched.RaftLists, rafts[pos:pos+n])
		sched.CCDLists = append(sched.CCDLists, ccds[pos:pos+n])
		pos += n
	}
	return sched
}
